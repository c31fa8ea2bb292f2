package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionops/internal/debuglog"
	"sessionops/internal/metrics"
)

const (
	EventGameState     = "gamestate"
	EventStatus        = "status"
	EventNetworkStatus = "networkstatus"

	DefaultTick         = 100 * time.Millisecond
	DefaultNetworkEvery = 10
)

// StateSource produces the serialized world snapshot and the session-active
// flag.
type StateSource interface {
	SnapshotJSON() ([]byte, error)
	InRun() bool
}

// NetworkSource produces the connectivity and roster view. Any JSON
// serializable value works.
type NetworkSource interface {
	NetworkStatus() any
}

type NetworkFunc func() any

func (f NetworkFunc) NetworkStatus() any {
	return f()
}

type Options struct {
	Tick time.Duration
	// NetworkEvery is how many ticks pass between network status checks.
	NetworkEvery int
}

type statusEvent struct {
	Connected   bool `json:"connected"`
	GameRunning bool `json:"gameRunning"`
	IsInRun     bool `json:"isInRun"`
}

// Broadcaster pushes state changes to long-lived subscribers. Only changed
// payloads are pushed; a new subscriber gets one full push of every event.
type Broadcaster struct {
	state   StateSource
	network NetworkSource
	metrics *metrics.Metrics
	opts    Options

	mu   sync.Mutex
	subs map[string]*subscriber

	// pushMu serializes ticks with initial pushes so a new subscriber never
	// sees a stale state after a newer one.
	pushMu      sync.Mutex
	ticks       int
	lastState   []byte
	lastNetwork []byte
	lastActive  bool
	activeKnown bool
}

func New(state StateSource, network NetworkSource, m *metrics.Metrics, opts Options) *Broadcaster {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.NetworkEvery <= 0 {
		opts.NetworkEvery = DefaultNetworkEvery
	}
	return &Broadcaster{
		state:   state,
		network: network,
		metrics: m,
		opts:    opts,
		subs:    make(map[string]*subscriber),
	}
}

type subscriber struct {
	id    string
	w     io.Writer
	flush func() error

	// mu guards w; nothing is written once closed is set.
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var errSubscriberClosed = errors.New("subscriber closed")

func (s *subscriber) send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriberClosed
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if s.flush != nil {
		return s.flush()
	}
	return nil
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Subscription is a registered event stream.
type Subscription struct {
	b   *Broadcaster
	sub *subscriber
}

func (s *Subscription) ID() string {
	return s.sub.id
}

// Done is closed once the subscriber has been removed, after a failed write
// or Close.
func (s *Subscription) Done() <-chan struct{} {
	return s.sub.done
}

func (s *Subscription) Close() {
	s.b.remove([]*subscriber{s.sub}, false)
}

// Subscribe writes the current value of every event to w and then adds it
// to the subscriber set. flush, if set, runs after each event.
func (b *Broadcaster) Subscribe(w io.Writer, flush func() error) (*Subscription, error) {
	sub := &subscriber{id: uuid.NewString(), w: w, flush: flush, done: make(chan struct{})}

	b.pushMu.Lock()
	defer b.pushMu.Unlock()
	events, err := b.current()
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := sub.send(ev.name, ev.data); err != nil {
			return nil, fmt.Errorf("initial %s: %w", ev.name, err)
		}
	}
	b.metrics.AddEventsPushed(len(events))

	b.mu.Lock()
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()
	b.metrics.SetSubscribers(n)
	debuglog.Logf("broadcast: subscriber added %s", debuglog.KV("id", sub.id, "total", n))
	return &Subscription{b: b, sub: sub}, nil
}

type event struct {
	name string
	data []byte
}

func (b *Broadcaster) current() ([]event, error) {
	state, err := b.state.SnapshotJSON()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	status, err := json.Marshal(statusEvent{Connected: true, GameRunning: true, IsInRun: b.state.InRun()})
	if err != nil {
		return nil, err
	}
	out := []event{{EventStatus, status}, {EventGameState, state}}
	if b.network != nil {
		data, err := json.Marshal(b.network.NetworkStatus())
		if err != nil {
			return nil, fmt.Errorf("network status: %w", err)
		}
		out = append(out, event{EventNetworkStatus, data})
	}
	return out, nil
}

// Count is the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run ticks until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) {
	t := time.NewTicker(b.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-t.C:
			b.Tick()
		}
	}
}

// Tick runs one change-detection pass.
func (b *Broadcaster) Tick() {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()
	b.ticks++

	active := b.state.InRun()
	if !b.activeKnown || active != b.lastActive {
		b.activeKnown = true
		b.lastActive = active
		if data, err := json.Marshal(statusEvent{Connected: true, GameRunning: true, IsInRun: active}); err == nil {
			b.publish(EventStatus, data)
		}
	}

	state, err := b.state.SnapshotJSON()
	if err != nil {
		debuglog.RateLimitedf("broadcast:snapshot", 10*time.Second, "broadcast: snapshot failed err=%v", err)
	} else if !bytes.Equal(state, b.lastState) {
		b.lastState = state
		b.publish(EventGameState, state)
	}

	if b.network == nil || b.ticks%b.opts.NetworkEvery != 0 {
		return
	}
	data, err := json.Marshal(b.network.NetworkStatus())
	if err != nil {
		debuglog.RateLimitedf("broadcast:network", 10*time.Second, "broadcast: network status failed err=%v", err)
		return
	}
	if !bytes.Equal(data, b.lastNetwork) {
		b.lastNetwork = data
		b.publish(EventNetworkStatus, data)
	}
}

// publish writes outside the set lock and removes failed subscribers after
// the pass.
func (b *Broadcaster) publish(name string, data []byte) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var failed []*subscriber
	pushed := 0
	for _, s := range subs {
		if err := s.send(name, data); err != nil {
			if errors.Is(err, errSubscriberClosed) {
				continue
			}
			debuglog.RateLimitedf("broadcast:write:"+name, 5*time.Second, "broadcast: write failed %s err=%v", debuglog.KV("event", name, "id", s.id), err)
			failed = append(failed, s)
			continue
		}
		pushed++
	}
	b.metrics.AddEventsPushed(pushed)
	if len(failed) > 0 {
		b.remove(failed, true)
	}
}

func (b *Broadcaster) remove(subs []*subscriber, failed bool) {
	b.mu.Lock()
	removed := 0
	for _, s := range subs {
		if _, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			removed++
		}
	}
	n := len(b.subs)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
	if failed {
		b.metrics.AddSubscribersRemoved(removed)
	}
	b.metrics.SetSubscribers(n)
	if removed > 0 {
		debuglog.Logf("broadcast: subscribers removed %s", debuglog.KV("removed", removed, "total", n))
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	b.remove(subs, false)
}
