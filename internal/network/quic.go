package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	quic "github.com/quic-go/quic-go"

	"sessionops/internal/debuglog"
)

const (
	alpn                 = "sessionops/1"
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamAcceptTimeout  = 10 * time.Second
	streamRWTimeout      = 5 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is deterministic so every dev build trusts every other.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("sessionops-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

// WriteDevCA writes the dev certificate as PEM so clients on other machines
// can pin it.
func WriteDevCA(path string) error {
	_, der, err := devTLSCert()
	if err != nil {
		return err
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600)
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// clientTLSConfig trusts the dev certificate, or the PEM at caPath when set.
func clientTLSConfig(insecure bool, caPath string) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}}, nil
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read ca %s: %w", caPath, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", caPath)
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, err
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		pool.AddCert(cert)
	}
	return &tls.Config{RootCAs: pool, ServerName: "localhost", NextProtos: []string{alpn}}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// Events receives the life cycle of every peer connection. OnFrame is
// called from the connection's read goroutine, one frame at a time.
type Events struct {
	OnOpen  func(p *PeerConn)
	OnFrame func(ctx context.Context, p *PeerConn, payload []byte)
	OnClose func(p *PeerConn, err error)
}

type ListenOptions struct {
	MaxConnsPerIP int
}

type Listener struct {
	ln      *quic.Listener
	limiter *ipLimiter
}

func Listen(addr string, opts ListenOptions) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	debuglog.Logf("network: listening %s", debuglog.KV("addr", ln.Addr().String()))
	return &Listener{ln: ln, limiter: newIPLimiter(opts.MaxConnsPerIP)}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts peers until ctx is done or the listener is closed.
func (l *Listener) Serve(ctx context.Context, ev Events) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go l.serveConn(ctx, conn, ev)
	}
}

func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn, ev Events) {
	ip := remoteIP(conn.RemoteAddr())
	release, ok := l.limiter.acquire(ip)
	if !ok {
		debuglog.RateLimitedf("network:limit:"+ip, 10*time.Second, "network: connection cap %s", debuglog.KV("ip", ip))
		_ = conn.CloseWithError(1, "too many connections")
		return
	}
	defer release()
	actx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	stream, err := conn.AcceptStream(actx)
	cancel()
	if err != nil {
		debuglog.Logf("network: no stream %s err=%v", debuglog.KV("remote", conn.RemoteAddr().String()), err)
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	p := newPeerConn(conn, stream)
	p.run(ctx, ev)
}

func remoteIP(addr net.Addr) string {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
