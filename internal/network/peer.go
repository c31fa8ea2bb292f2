package network

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"

	"sessionops/internal/debuglog"
	"sessionops/internal/proto"
)

var ErrClosed = errors.New("connection closed")

// PeerConn is one peer over a single bidirectional stream carrying
// length-prefixed frames in order.
type PeerConn struct {
	id     string
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
	err     error
}

func newPeerConn(conn *quic.Conn, stream *quic.Stream) *PeerConn {
	return &PeerConn{
		id:     uuid.NewString(),
		conn:   conn,
		stream: stream,
		done:   make(chan struct{}),
	}
}

func (p *PeerConn) ID() string {
	return p.id
}

func (p *PeerConn) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// Send writes one frame. It is safe for concurrent use.
func (p *PeerConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	deadline := time.Now().Add(streamRWTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.stream.SetWriteDeadline(deadline)
	if err := proto.WriteFrame(p.stream, payload); err != nil {
		p.shutdown(err)
		return err
	}
	return nil
}

// Done is closed once the connection has ended.
func (p *PeerConn) Done() <-chan struct{} {
	return p.done
}

func (p *PeerConn) Err() error {
	<-p.done
	return p.err
}

func (p *PeerConn) Close(reason string) {
	p.shutdown(errors.New(reason))
}

func (p *PeerConn) shutdown(err error) {
	p.once.Do(func() {
		p.err = err
		p.stream.CancelRead(0)
		_ = p.stream.Close()
		_ = p.conn.CloseWithError(0, "closing")
		close(p.done)
	})
}

// run reports the connection, reads frames until it fails and reports the
// close. It blocks for the lifetime of the connection.
func (p *PeerConn) run(ctx context.Context, ev Events) {
	debuglog.Logf("network: peer open %s", debuglog.KV("conn", p.id, "remote", p.RemoteAddr()))
	if ev.OnOpen != nil {
		ev.OnOpen(p)
	}
	stop := context.AfterFunc(ctx, func() { p.Close("shutdown") })
	defer stop()
	for {
		payload, err := proto.ReadFrame(p.stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			p.shutdown(err)
			break
		}
		if ev.OnFrame != nil {
			ev.OnFrame(ctx, p, payload)
		}
	}
	debuglog.Logf("network: peer closed %s err=%v", debuglog.KV("conn", p.id), p.err)
	if ev.OnClose != nil {
		ev.OnClose(p, p.err)
	}
}
