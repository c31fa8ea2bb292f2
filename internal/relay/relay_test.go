package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"sessionops/internal/metrics"
	"sessionops/internal/proto"
)

// pipe delivers synchronously into the relay on the other end, tagging the
// payload with the id that end knows this side by.
type pipe struct {
	id     string
	target *Relay
	fromID string

	mu   sync.Mutex
	sent int
	fail bool
}

func (p *pipe) ID() string { return p.id }

func (p *pipe) Send(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	if p.fail {
		p.mu.Unlock()
		return errors.New("closed")
	}
	p.sent++
	p.mu.Unlock()
	p.target.Receive(ctx, p.fromID, payload)
	return nil
}

func (p *pipe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

type recorder struct {
	mu   sync.Mutex
	got  []string
	from []string
}

func (r *recorder) handler(ctx context.Context, from string, m proto.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch msg := m.(type) {
	case *proto.CommandResult:
		r.got = append(r.got, msg.Name)
	case *proto.GrantItem:
		r.got = append(r.got, msg.Item)
	}
	r.from = append(r.from, from)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

type node struct {
	relay *Relay
	rec   *recorder
	// down is the host's connection to this node; up is this node's
	// connection to the host.
	down *pipe
	up   *pipe
}

func newNode(m *metrics.Metrics) *node {
	n := &node{relay: New(proto.Default, m), rec: &recorder{}}
	n.relay.Handle(&proto.CommandResult{}, n.rec.handler)
	n.relay.Handle(&proto.GrantItem{}, n.rec.handler)
	return n
}

func newSession(t *testing.T, clients ...string) (*node, map[string]*node) {
	t.Helper()
	host := newNode(nil)
	host.relay.SetAuthority(true)
	out := make(map[string]*node, len(clients))
	for _, id := range clients {
		c := newNode(nil)
		c.down = &pipe{id: id, target: c.relay, fromID: "host"}
		c.up = &pipe{id: "host", target: host.relay, fromID: id}
		host.relay.AddPeer(c.down)
		c.relay.SetUpstream(c.up)
		out[id] = c
	}
	return host, out
}

func TestBroadcastExcludesOrigin(t *testing.T) {
	host, clients := newSession(t, "a", "b", "c")
	ctx := context.Background()
	if err := clients["a"].relay.SendToEveryone(ctx, &proto.CommandResult{Name: "ping"}); err != nil {
		t.Fatalf("SendToEveryone: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := clients[id].rec.names(); len(got) != 1 || got[0] != "ping" {
			t.Fatalf("client %s got %v", id, got)
		}
	}
	if got := host.rec.names(); len(got) != 1 {
		t.Fatalf("host got %v", got)
	}
	if clients["a"].down.count() != 0 {
		t.Fatalf("origin received its own broadcast back")
	}
	if clients["b"].down.count() != 1 || clients["c"].down.count() != 1 {
		t.Fatalf("forward counts b=%d c=%d", clients["b"].down.count(), clients["c"].down.count())
	}
}

func TestHostBroadcastReachesEveryClientOnce(t *testing.T) {
	host, clients := newSession(t, "a", "b")
	if err := host.relay.SendToEveryone(context.Background(), &proto.CommandResult{Name: "state"}); err != nil {
		t.Fatalf("SendToEveryone: %v", err)
	}
	if len(host.rec.names()) != 1 || len(clients["a"].rec.names()) != 1 || len(clients["b"].rec.names()) != 1 {
		t.Fatalf("host=%v a=%v b=%v", host.rec.names(), clients["a"].rec.names(), clients["b"].rec.names())
	}
}

func TestSendToHostLocalWhenAuthority(t *testing.T) {
	m := metrics.New()
	n := newNode(m)
	n.relay.SetAuthority(true)
	if err := n.relay.SendToHost(context.Background(), &proto.CommandResult{Name: "local"}); err != nil {
		t.Fatalf("SendToHost: %v", err)
	}
	if got := n.rec.names(); len(got) != 1 || n.rec.from[0] != Local {
		t.Fatalf("got %v from %v", got, n.rec.from)
	}
	if m.Snapshot().Relay.Sent != 0 {
		t.Fatalf("authority used the network")
	}
}

func TestSendToHostWithoutUpstream(t *testing.T) {
	n := newNode(nil)
	if err := n.relay.SendToHost(context.Background(), &proto.CommandResult{Name: "x"}); !errors.Is(err, ErrNoUpstream) {
		t.Fatalf("expected ErrNoUpstream, got %v", err)
	}
}

func TestSendToHostFromClient(t *testing.T) {
	host, clients := newSession(t, "a")
	if err := clients["a"].relay.SendToHost(context.Background(), &proto.CommandResult{Name: "up"}); err != nil {
		t.Fatalf("SendToHost: %v", err)
	}
	if got := host.rec.names(); len(got) != 1 || host.rec.from[0] != "a" {
		t.Fatalf("host got %v from %v", got, host.rec.from)
	}
	if len(clients["a"].rec.names()) != 0 {
		t.Fatalf("client executed a host-bound message")
	}
}

func TestSendToAuthorityRedirectsThroughHost(t *testing.T) {
	host, clients := newSession(t, "a", "b", "c")
	host.relay.SetOwner(7, "b")
	clients["b"].relay.SetOwner(7, Local)
	ctx := context.Background()

	if err := clients["a"].relay.SendToAuthority(ctx, 7, &proto.GrantItem{Target: 7, Item: "Hoof", Count: 1}); err != nil {
		t.Fatalf("SendToAuthority: %v", err)
	}
	if got := clients["b"].rec.names(); len(got) != 1 || got[0] != "Hoof" {
		t.Fatalf("owner got %v", got)
	}
	if len(host.rec.names()) != 0 || len(clients["a"].rec.names()) != 0 || len(clients["c"].rec.names()) != 0 {
		t.Fatalf("non-owners executed the message")
	}

	if err := clients["b"].relay.SendToAuthority(ctx, 7, &proto.GrantItem{Target: 7, Item: "Mine"}); err != nil {
		t.Fatalf("owner SendToAuthority: %v", err)
	}
	if clients["b"].up.count() != 0 {
		t.Fatalf("owner went through the network")
	}
}

func TestSendToAuthorityUnclaimedEntityRunsOnHost(t *testing.T) {
	host, clients := newSession(t, "a")
	if err := clients["a"].relay.SendToAuthority(context.Background(), 99, &proto.GrantItem{Target: 99, Item: "Gem"}); err != nil {
		t.Fatalf("SendToAuthority: %v", err)
	}
	if got := host.rec.names(); len(got) != 1 || got[0] != "Gem" {
		t.Fatalf("host got %v", got)
	}
}

func TestOwnerForgottenWithPeer(t *testing.T) {
	host, _ := newSession(t, "a")
	host.relay.SetOwner(3, "a")
	host.relay.RemovePeer("a")
	if owner, _ := host.relay.Owner(3); owner != Local {
		t.Fatalf("owner after disconnect %q", owner)
	}
	if host.relay.PeerCount() != 0 {
		t.Fatalf("peer not removed")
	}
}

func TestDisconnectedTargetIsDropped(t *testing.T) {
	m := metrics.New()
	host := New(proto.Default, m)
	host.SetAuthority(true)
	gone := &pipe{id: "x", target: New(proto.Default, nil), fail: true}
	host.AddPeer(gone)
	host.SetOwner(5, "x")
	err := host.SendToAuthority(context.Background(), 5, &proto.GrantItem{Target: 5, Item: "Lost"})
	if !errors.Is(err, ErrPeerGone) {
		t.Fatalf("expected ErrPeerGone, got %v", err)
	}
	if m.Snapshot().DropByReason["peer_gone"] != 1 {
		t.Fatalf("drop not counted: %+v", m.Snapshot().DropByReason)
	}
	if err := host.SendTo(context.Background(), "nobody", &proto.CommandResult{}); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("expected ErrPeerGone, got %v", err)
	}
}

func TestReceiveDiscardsBadEnvelope(t *testing.T) {
	m := metrics.New()
	n := New(proto.Default, m)
	n.SetAuthority(true)
	n.AddPeer(&pipe{id: "a", target: New(proto.Default, nil)})
	ctx := context.Background()
	n.Receive(ctx, "a", []byte{0x07})
	n.Receive(ctx, "a", proto.Seal([]byte{0x7f}))
	n.Receive(ctx, "a", proto.Seal([]byte{0x02, 0x05}))
	snap := m.Snapshot()
	if snap.Relay.DecodeFailures != 3 {
		t.Fatalf("decode failures %d", snap.Relay.DecodeFailures)
	}
	if n.PeerCount() != 1 {
		t.Fatalf("connection torn down after bad envelope")
	}
}

func TestReceiveWithoutHandlerIsDropped(t *testing.T) {
	m := metrics.New()
	n := New(proto.Default, m)
	payload, err := proto.Marshal(&proto.Roster{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	n.Receive(context.Background(), "a", payload)
	if m.Snapshot().DropByReason["no_handler"] != 1 {
		t.Fatalf("expected no_handler drop")
	}
	if m.Snapshot().RecvByType["roster"] != 1 {
		t.Fatalf("expected recv count")
	}
}

func TestHandleRejectsUnregisteredType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	type stray struct{ proto.Hello }
	New(proto.Default, nil).Handle(&stray{}, func(context.Context, string, proto.Message) {})
}

func TestAuthorityOnlyBroadcastFromPeerIsDropped(t *testing.T) {
	host, clients := newSession(t, "a", "b")
	m := metrics.New()
	host.relay.metrics = m
	host.relay.AuthorityOnly(&proto.CommandResult{})
	ctx := context.Background()

	if err := clients["a"].relay.SendToEveryone(ctx, &proto.CommandResult{Name: "forged"}); err != nil {
		t.Fatalf("SendToEveryone: %v", err)
	}
	if got := host.rec.names(); len(got) != 0 {
		t.Fatalf("host applied %v", got)
	}
	if got := clients["b"].rec.names(); len(got) != 0 {
		t.Fatalf("peer broadcast relayed to b: %v", got)
	}
	if m.Snapshot().DropByReason["authority_only"] != 1 {
		t.Fatalf("drop not counted: %v", m.Snapshot().DropByReason)
	}

	// The authority's own broadcast still reaches everyone.
	if err := host.relay.SendToEveryone(ctx, &proto.CommandResult{Name: "state"}); err != nil {
		t.Fatalf("SendToEveryone: %v", err)
	}
	if got := clients["b"].rec.names(); len(got) != 1 || got[0] != "state" {
		t.Fatalf("b got %v", got)
	}
	// Other types are still relayed for peers.
	if err := clients["a"].relay.SendToEveryone(ctx, &proto.GrantItem{Item: "sword"}); err != nil {
		t.Fatalf("SendToEveryone: %v", err)
	}
	if got := clients["b"].rec.names(); len(got) != 2 || got[1] != "sword" {
		t.Fatalf("b got %v", got)
	}
}
