package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sessionops/internal/audit"
	"sessionops/internal/broadcast"
	"sessionops/internal/command"
	"sessionops/internal/config"
	"sessionops/internal/debuglog"
	"sessionops/internal/gateway"
	"sessionops/internal/identity"
	"sessionops/internal/metrics"
	"sessionops/internal/network"
	"sessionops/internal/permission"
	"sessionops/internal/proto"
	"sessionops/internal/relay"
	"sessionops/internal/session"
	"sessionops/internal/world"
)

const (
	effectsInterval = 100 * time.Millisecond
	devCAFile       = "devtls_ca.pem"
	snapshotFile    = "metrics.json"
)

// Addrs are the bound listener addresses, reported once the node is up.
type Addrs struct {
	Peer string
	HTTP string
}

type Options struct {
	Metrics *metrics.Metrics
	// Audit overrides the journal named by the config DSN.
	Audit    audit.Sink
	SnapPath string
}

// Runner owns one participant: its session, the world it drives and the
// listeners in front of them.
type Runner struct {
	Config      config.Config
	Self        *identity.Identity
	Metrics     *metrics.Metrics
	World       *world.World
	Perms       *permission.Service
	Registry    *command.Registry
	Dispatcher  *command.Dispatcher
	Relay       *relay.Relay
	Session     *session.Service
	Broadcaster *broadcast.Broadcaster
	Gateway     *gateway.Server

	audit       audit.Sink
	snapPath    string
	stopSnap    chan struct{}
	lastEffects time.Time
}

func NewRunner(cfg config.Config, opts Options) (*Runner, error) {
	if cfg.Home == "" {
		return nil, fmt.Errorf("missing home")
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	self, err := identity.LoadOrCreate(cfg.Home, cfg.UserName)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	sink := opts.Audit
	if sink == nil {
		if sink, err = audit.Open(cfg.AuditDSN); err != nil {
			return nil, err
		}
	}

	w := world.New()
	perms := permission.NewService()
	reg := command.NewRegistry()
	d := command.NewDispatcher(command.NewQueue(), reg, m)
	rl := relay.New(proto.Default, m)
	sess, err := session.New(session.Options{
		UserID:      self.ID,
		UserName:    self.Name,
		Mode:        cfg.Mode,
		AutoApprove: cfg.AutoApprove,
		Metrics:     m,
		OnJoin: func(mem session.Member) {
			w.EnsurePlayer(mem.UserID, mem.UserName)
		},
		OnLeave: func(mem session.Member) {
			w.RemovePlayer(mem.UserID)
		},
	}, rl, perms, d)
	if err != nil {
		closeSink(sink)
		return nil, err
	}
	w.EnsurePlayer(self.ID, self.Name)
	handlers := &world.Handlers{World: w, Items: rl, Grants: sess}
	if err := handlers.Register(reg); err != nil {
		closeSink(sink)
		return nil, err
	}
	rl.Handle(&proto.GrantItem{}, w.GrantItemHandler(d.Enqueue))
	if sink != nil {
		d.Observe(audit.Observer(sink))
	}

	bc := broadcast.New(w, broadcast.NetworkFunc(func() any { return sess.Status() }), m, broadcast.Options{
		Tick:         cfg.StateTick,
		NetworkEvery: cfg.NetworkEvery,
	})
	gw := gateway.New(gateway.Options{
		Session:     sess,
		Registry:    reg,
		State:       w,
		Events:      bc,
		Subscribers: bc.Count,
	})

	snapPath := opts.SnapPath
	if snapPath == "" {
		snapPath = filepath.Join(cfg.Home, snapshotFile)
	}
	return &Runner{
		Config:      cfg,
		Self:        self,
		Metrics:     m,
		World:       w,
		Perms:       perms,
		Registry:    reg,
		Dispatcher:  d,
		Relay:       rl,
		Session:     sess,
		Broadcaster: bc,
		Gateway:     gw,
		audit:       sink,
		snapPath:    snapPath,
		stopSnap:    make(chan struct{}),
	}, nil
}

func closeSink(s audit.Sink) {
	if s != nil {
		_ = s.Close()
	}
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r == nil || r.Metrics == nil || r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
					debuglog.RateLimitedf("daemon:snapshot", time.Minute, "daemon: snapshot write failed err=%v", err)
				}
			case <-r.stopSnap:
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	if r == nil {
		return
	}
	select {
	case r.stopSnap <- struct{}{}:
	default:
	}
}

// Step runs one control loop iteration: every queued command executes, then
// standing effects are re-applied when due.
func (r *Runner) Step(ctx context.Context, now time.Time) int {
	n := r.Dispatcher.DrainAndExecute(ctx)
	if now.Sub(r.lastEffects) >= effectsInterval {
		r.lastEffects = now
		r.World.ApplyGodMode()
	}
	return n
}

func (r *Runner) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(r.Config.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Step(ctx, now)
		}
	}
}

func (r *Runner) hostEvents(ctx context.Context) network.Events {
	return network.Events{
		OnOpen: func(p *network.PeerConn) {
			debuglog.Logf("daemon: peer connected %s", debuglog.KV("conn", p.ID(), "remote", p.RemoteAddr()))
			r.Session.PeerOpened(p)
		},
		OnFrame: func(ctx context.Context, p *network.PeerConn, payload []byte) {
			r.Session.Receive(ctx, p.ID(), payload)
		},
		OnClose: func(p *network.PeerConn, err error) {
			debuglog.Logf("daemon: peer closed %s err=%v", debuglog.KV("conn", p.ID()), err)
			r.Session.PeerClosed(ctx, p.ID())
		},
	}
}

func (r *Runner) clientEvents(ctx context.Context) network.Events {
	return network.Events{
		OnOpen: func(p *network.PeerConn) {
			debuglog.Logf("daemon: connected to host %s", debuglog.KV("conn", p.ID(), "remote", p.RemoteAddr()))
			r.Session.UpstreamOpened(ctx, p)
		},
		OnFrame: func(ctx context.Context, p *network.PeerConn, payload []byte) {
			r.Session.Receive(ctx, p.ID(), payload)
		},
		OnClose: func(p *network.PeerConn, err error) {
			debuglog.Logf("daemon: host connection lost %s err=%v", debuglog.KV("conn", p.ID()), err)
			r.Session.UpstreamClosed(p.ID())
		},
	}
}

func (r *Runner) Run() error {
	return r.RunWithContext(context.Background(), nil)
}

// RunWithContext serves until ctx ends. ready receives the bound addresses
// once every listener is up.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- Addrs) error {
	if r == nil {
		return fmt.Errorf("missing runner")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer closeSink(r.audit)

	httpLn, err := net.Listen("tcp", r.Config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", r.Config.HTTPAddr, err)
	}
	var peerLn *network.Listener
	if r.Config.Mode == session.ModeHost {
		if r.Config.DevTLS {
			if err := network.WriteDevCA(filepath.Join(r.Config.Home, devCAFile)); err != nil {
				_ = httpLn.Close()
				return fmt.Errorf("write dev ca: %w", err)
			}
		}
		peerLn, err = network.Listen(r.Config.ListenAddr, network.ListenOptions{MaxConnsPerIP: r.Config.MaxConnsPerIP})
		if err != nil {
			_ = httpLn.Close()
			return err
		}
	}

	r.StartSnapshotWriter(time.Second)
	defer r.StopSnapshotWriter()

	var wg sync.WaitGroup
	errCh := make(chan error, 5)
	spawn := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}
	spawn(func() error { r.controlLoop(ctx); return nil })
	spawn(func() error { r.Broadcaster.Run(ctx); return nil })
	spawn(func() error { return r.Gateway.Serve(ctx, httpLn) })
	addrs := Addrs{HTTP: httpLn.Addr().String()}
	switch r.Config.Mode {
	case session.ModeHost:
		addrs.Peer = peerLn.Addr().String()
		spawn(func() error { return peerLn.Serve(ctx, r.hostEvents(ctx)) })
	case session.ModeClient:
		opts := network.DialOptions{CAPath: r.Config.CAPath}
		spawn(func() error { network.Maintain(ctx, r.Config.HostAddr, opts, r.clientEvents(ctx)); return nil })
	}
	debuglog.Logf("daemon: running %s", debuglog.KV("mode", r.Config.Mode, "user", r.Self.ID, "http", addrs.HTTP, "peer", addrs.Peer))
	if ready != nil {
		select {
		case ready <- addrs:
		default:
		}
	}

	<-ctx.Done()
	wg.Wait()
	if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
		debuglog.Logf("daemon: final snapshot err=%v", err)
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
