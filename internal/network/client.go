package network

import (
	"context"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"

	"sessionops/internal/debuglog"
)

const (
	clientBackoffBase = 250 * time.Millisecond
	clientBackoffMax  = 10 * time.Second
	dialTimeout       = 8 * time.Second
)

type DialOptions struct {
	Insecure bool
	CAPath   string
}

// Dial connects to a session authority and opens the frame stream.
func Dial(ctx context.Context, addr string, opts DialOptions) (*PeerConn, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing addr")
	}
	tlsConf, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(dctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream %s: %w", addr, err)
	}
	return newPeerConn(conn, stream), nil
}

// Maintain keeps one connection to addr for as long as ctx lives, redialing
// with exponential backoff. Every connection goes through ev.
func Maintain(ctx context.Context, addr string, opts DialOptions, ev Events) {
	failures := 0
	for ctx.Err() == nil {
		p, err := Dial(ctx, addr, opts)
		if err != nil {
			failures++
			debuglog.RateLimitedf("network:dial:"+addr, 30*time.Second, "network: dial failed %s err=%v", debuglog.KV("addr", addr, "failures", failures), err)
			if !backoffRetry(ctx, failures) {
				return
			}
			continue
		}
		failures = 0
		p.run(ctx, ev)
		if !backoffRetry(ctx, 1) {
			return
		}
	}
}

func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := clientBackoffBase
	for i := 1; i < failures && d < clientBackoffMax; i++ {
		d *= 2
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	return d
}

func backoffRetry(ctx context.Context, failures int) bool {
	d := backoffDelay(failures)
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
