package network

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestLoopbackFramesBothWays(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", ListenOptions{MaxConnsPerIP: 4})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverGot := make(chan []byte, 1)
	closed := make(chan struct{}, 1)
	go func() {
		_ = ln.Serve(ctx, Events{
			OnFrame: func(ctx context.Context, p *PeerConn, payload []byte) {
				serverGot <- payload
				_ = p.Send(ctx, append([]byte("echo:"), payload...))
			},
			OnClose: func(*PeerConn, error) { closed <- struct{}{} },
		})
	}()

	p, err := Dial(ctx, ln.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	clientGot := make(chan []byte, 1)
	go p.run(ctx, Events{
		OnFrame: func(_ context.Context, _ *PeerConn, payload []byte) { clientGot <- payload },
	})
	if err := p.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-serverGot:
		if !bytes.Equal(got, []byte("hello")) {
			t.Fatalf("server got %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("server never received the frame")
	}
	select {
	case got := <-clientGot:
		if string(got) != "echo:hello" {
			t.Fatalf("client got %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("client never received the reply")
	}
	p.Close("done")
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatalf("server did not observe close")
	}
	if err := p.Send(ctx, []byte("late")); err == nil {
		t.Fatalf("send after close succeeded")
	}
}
