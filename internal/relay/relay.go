package relay

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sessionops/internal/debuglog"
	"sessionops/internal/metrics"
	"sessionops/internal/proto"
)

// Local is the origin of messages produced in this process.
const Local = ""

var (
	ErrNoUpstream = errors.New("no upstream connection")
	ErrPeerGone   = errors.New("peer not connected")
)

const dropLogInterval = 5 * time.Second

// Conn is one connected peer. Send delivers a sealed envelope and must be
// safe for concurrent use.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
}

// HandlerFunc receives a decoded message. from is the connection it arrived
// on, or Local.
type HandlerFunc func(ctx context.Context, from string, m proto.Message)

// Relay moves messages between this process and its peers. A session
// authority holds many peers; a participant holds a single upstream.
type Relay struct {
	reg     *proto.Registry
	metrics *metrics.Metrics

	authority atomic.Bool

	mu       sync.RWMutex
	upstream Conn
	peers    map[string]Conn
	owners   map[proto.EntityID]string
	handlers map[reflect.Type]HandlerFunc
	// hostOnly types are never relayed on behalf of a peer.
	hostOnly map[reflect.Type]bool
}

func New(reg *proto.Registry, m *metrics.Metrics) *Relay {
	if reg == nil {
		reg = proto.Default
	}
	return &Relay{
		reg:      reg,
		metrics:  m,
		peers:    make(map[string]Conn),
		owners:   make(map[proto.EntityID]string),
		handlers: make(map[reflect.Type]HandlerFunc),
		hostOnly: make(map[reflect.Type]bool),
	}
}

func (r *Relay) Registry() *proto.Registry {
	return r.reg
}

// Handle routes every message of the same concrete type as prototype to fn.
func (r *Relay) Handle(prototype proto.Message, fn HandlerFunc) {
	if _, ok := r.reg.TypeIndex(prototype); !ok {
		panic(fmt.Sprintf("relay: %T is not registered", prototype))
	}
	r.mu.Lock()
	r.handlers[reflect.TypeOf(prototype)] = fn
	r.mu.Unlock()
}

// AuthorityOnly marks message types only the authority may originate. The
// authority drops a peer broadcast carrying one of them instead of applying
// or relaying it.
func (r *Relay) AuthorityOnly(prototypes ...proto.Message) {
	r.mu.Lock()
	for _, p := range prototypes {
		r.hostOnly[reflect.TypeOf(p)] = true
	}
	r.mu.Unlock()
}

func (r *Relay) authorityOnly(m proto.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostOnly[reflect.TypeOf(m)]
}

// SetAuthority marks this process as the session authority.
func (r *Relay) SetAuthority(v bool) {
	r.authority.Store(v)
}

func (r *Relay) IsAuthority() bool {
	return r.authority.Load()
}

// SetUpstream installs the connection to the authority; nil clears it.
func (r *Relay) SetUpstream(c Conn) {
	r.mu.Lock()
	r.upstream = c
	r.mu.Unlock()
	r.reportConns()
}

func (r *Relay) Upstream() Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.upstream
}

func (r *Relay) AddPeer(c Conn) {
	r.mu.Lock()
	r.peers[c.ID()] = c
	r.mu.Unlock()
	r.reportConns()
}

// RemovePeer forgets a peer and every entity it owned.
func (r *Relay) RemovePeer(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	for ent, owner := range r.owners {
		if owner == id {
			delete(r.owners, ent)
		}
	}
	r.mu.Unlock()
	r.reportConns()
}

func (r *Relay) Peers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Relay) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Relay) reportConns() {
	r.mu.RLock()
	n := len(r.peers)
	if r.upstream != nil {
		n++
	}
	r.mu.RUnlock()
	r.metrics.SetCurrentConns(n)
}

// SetOwner records which connection executes effects for ent. Local means
// this process.
func (r *Relay) SetOwner(ent proto.EntityID, connID string) {
	r.mu.Lock()
	r.owners[ent] = connID
	r.mu.Unlock()
}

func (r *Relay) ClearOwner(ent proto.EntityID) {
	r.mu.Lock()
	delete(r.owners, ent)
	r.mu.Unlock()
}

// Owner returns the owning connection for ent. An authority owns every
// entity nobody else claimed.
func (r *Relay) Owner(ent proto.EntityID) (string, bool) {
	r.mu.RLock()
	owner, ok := r.owners[ent]
	r.mu.RUnlock()
	if !ok && r.IsAuthority() {
		return Local, true
	}
	return owner, ok
}

// SendToHost executes m in process when this process is the authority and
// otherwise transmits it upstream.
func (r *Relay) SendToHost(ctx context.Context, m proto.Message) error {
	if r.IsAuthority() {
		r.deliver(ctx, Local, m)
		return nil
	}
	up := r.Upstream()
	if up == nil {
		r.drop("no_upstream", m, Local)
		return ErrNoUpstream
	}
	return r.send(ctx, up, m)
}

// SendToEveryone executes m in process, then propagates it once to every
// other participant. Only the authority fans out.
func (r *Relay) SendToEveryone(ctx context.Context, m proto.Message) error {
	r.deliver(ctx, Local, m)
	if r.IsAuthority() {
		r.fanout(ctx, Local, &proto.Broadcast{Inner: m})
		return nil
	}
	up := r.Upstream()
	if up == nil {
		return nil
	}
	return r.send(ctx, up, &proto.Broadcast{Inner: m})
}

// SendToAuthority delivers m to whichever participant owns target. From a
// participant this takes at most two hops: here, the authority, the owner.
func (r *Relay) SendToAuthority(ctx context.Context, target proto.EntityID, m proto.Message) error {
	owner, ok := r.Owner(target)
	if ok && owner == Local {
		r.deliver(ctx, Local, m)
		return nil
	}
	if r.IsAuthority() {
		return r.SendTo(ctx, owner, m)
	}
	up := r.Upstream()
	if up == nil {
		r.drop("no_upstream", m, Local)
		return ErrNoUpstream
	}
	return r.send(ctx, up, &proto.Redirect{Target: target, Inner: m})
}

// SendTo transmits m to a single peer.
func (r *Relay) SendTo(ctx context.Context, connID string, m proto.Message) error {
	r.mu.RLock()
	c, ok := r.peers[connID]
	if !ok && r.upstream != nil && r.upstream.ID() == connID {
		c, ok = r.upstream, true
	}
	r.mu.RUnlock()
	if !ok {
		r.drop("peer_gone", m, connID)
		return ErrPeerGone
	}
	return r.send(ctx, c, m)
}

func (r *Relay) send(ctx context.Context, c Conn, m proto.Message) error {
	env, err := r.reg.Encode(m)
	if err != nil {
		r.drop("encode", m, c.ID())
		return err
	}
	if err := c.Send(ctx, proto.Seal(env)); err != nil {
		r.drop("peer_gone", m, c.ID())
		return fmt.Errorf("send %s to %s: %w", r.reg.NameOf(m), c.ID(), ErrPeerGone)
	}
	r.metrics.IncRelaySent()
	return nil
}

// fanout sends one encoding of m to every peer except origin. Failures are
// dropped per peer.
func (r *Relay) fanout(ctx context.Context, origin string, m proto.Message) {
	env, err := r.reg.Encode(m)
	if err != nil {
		r.drop("encode", m, origin)
		return
	}
	payload := proto.Seal(env)
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.peers))
	for id, c := range r.peers {
		if id != origin {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range targets {
		if err := c.Send(ctx, payload); err != nil {
			r.drop("peer_gone", m, c.ID())
			continue
		}
		r.metrics.IncRelayRelayed()
	}
}

// Receive decodes one inbound payload from connection from. A payload that
// fails to decode is discarded; the connection stays up.
func (r *Relay) Receive(ctx context.Context, from string, payload []byte) {
	env, err := proto.Open(payload)
	var m proto.Message
	if err == nil {
		m, err = r.reg.Decode(env)
	}
	if err != nil {
		r.metrics.IncDecodeFailure()
		r.metrics.IncDropByReason("decode")
		debuglog.Logf("relay: decode failed %s err=%v", debuglog.KV("from", from, "bytes", len(payload)), err)
		return
	}
	r.metrics.IncRecvByType(r.reg.NameOf(m))

	switch msg := m.(type) {
	case *proto.Broadcast:
		msg.Origin = from
		if r.IsAuthority() {
			if msg.Inner != nil && r.authorityOnly(msg.Inner) {
				r.drop("authority_only", msg.Inner, from)
				return
			}
			r.deliver(ctx, from, msg.Inner)
			r.fanout(ctx, from, msg)
			return
		}
		r.deliver(ctx, from, msg.Inner)
	case *proto.Redirect:
		if !r.IsAuthority() {
			r.drop("redirect_not_authority", msg.Inner, from)
			return
		}
		owner, _ := r.Owner(msg.Target)
		if owner == Local {
			r.deliver(ctx, from, msg.Inner)
			return
		}
		_ = r.SendTo(ctx, owner, msg.Inner)
	default:
		r.deliver(ctx, from, m)
	}
}

func (r *Relay) deliver(ctx context.Context, from string, m proto.Message) {
	if m == nil {
		return
	}
	r.mu.RLock()
	fn := r.handlers[reflect.TypeOf(m)]
	r.mu.RUnlock()
	if fn == nil {
		r.drop("no_handler", m, from)
		return
	}
	fn(ctx, from, m)
}

func (r *Relay) drop(reason string, m proto.Message, peer string) {
	r.metrics.IncDropByReason(reason)
	name := r.reg.NameOf(m)
	debuglog.RateLimitedf("relay:"+reason+":"+name, dropLogInterval, "relay: drop %s", debuglog.KV("reason", reason, "msg", name, "peer", peer))
}
