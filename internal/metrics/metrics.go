package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type CommandHeader struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	User   string    `json:"user"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Commands     CommandMetrics    `json:"commands"`
	Relay        RelayMetrics      `json:"relay"`
	Broadcast    BroadcastMetrics  `json:"broadcast"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	CurrentConns int64             `json:"current_conns"`
	Subscribers  int64             `json:"subscribers"`
	Recent       []CommandHeader   `json:"recent"`
}

type CommandMetrics struct {
	Enqueued  uint64 `json:"enqueued"`
	Forwarded uint64 `json:"forwarded"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Unknown   uint64 `json:"unknown"`
	Denied    uint64 `json:"denied"`
}

type RelayMetrics struct {
	Sent           uint64 `json:"sent"`
	Relayed        uint64 `json:"relayed"`
	Dropped        uint64 `json:"dropped"`
	DecodeFailures uint64 `json:"decode_failures"`
}

type BroadcastMetrics struct {
	EventsPushed       uint64 `json:"events_pushed"`
	SubscribersRemoved uint64 `json:"subscribers_removed"`
}

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	cmdEnqueued  atomic.Uint64
	cmdForwarded atomic.Uint64
	cmdExecuted  atomic.Uint64
	cmdFailed    atomic.Uint64
	cmdUnknown   atomic.Uint64
	cmdDenied    atomic.Uint64
	relaySent    atomic.Uint64
	relayRelayed atomic.Uint64
	relayDropped atomic.Uint64
	decodeFailed atomic.Uint64
	eventsPushed atomic.Uint64
	subsRemoved  atomic.Uint64
	currentConns atomic.Int64
	subscribers  atomic.Int64
	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64
	recent       *CommandRecent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewCommandRecent(64),
	}
}

func (m *Metrics) IncRecvByType(name string) {
	if m == nil || name == "" {
		return
	}
	m.mu.Lock()
	m.recvByType[name]++
	m.mu.Unlock()
}

// IncDropByReason counts a dropped envelope under reason and in the total.
func (m *Metrics) IncDropByReason(reason string) {
	if m == nil {
		return
	}
	m.relayDropped.Add(1)
	if reason == "" {
		reason = "unknown"
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) SetCurrentConns(n int) {
	if m != nil {
		m.currentConns.Store(int64(n))
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.subscribers.Store(int64(n))
	}
}

func (m *Metrics) Recent() *CommandRecent {
	if m == nil {
		return nil
	}
	return m.recent
}

func (m *Metrics) IncCommandEnqueued() {
	if m != nil {
		m.cmdEnqueued.Add(1)
	}
}

func (m *Metrics) IncCommandForwarded() {
	if m != nil {
		m.cmdForwarded.Add(1)
	}
}

func (m *Metrics) IncCommandExecuted() {
	if m != nil {
		m.cmdExecuted.Add(1)
	}
}

func (m *Metrics) IncCommandFailed() {
	if m != nil {
		m.cmdFailed.Add(1)
	}
}

func (m *Metrics) IncCommandUnknown() {
	if m != nil {
		m.cmdUnknown.Add(1)
	}
}

func (m *Metrics) IncCommandDenied() {
	if m != nil {
		m.cmdDenied.Add(1)
	}
}

func (m *Metrics) IncRelaySent() {
	if m != nil {
		m.relaySent.Add(1)
	}
}

func (m *Metrics) IncRelayRelayed() {
	if m != nil {
		m.relayRelayed.Add(1)
	}
}

func (m *Metrics) IncDecodeFailure() {
	if m != nil {
		m.decodeFailed.Add(1)
	}
}

func (m *Metrics) AddEventsPushed(n int) {
	if m != nil && n > 0 {
		m.eventsPushed.Add(uint64(n))
	}
}

func (m *Metrics) AddSubscribersRemoved(n int) {
	if m != nil && n > 0 {
		m.subsRemoved.Add(uint64(n))
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC(), RecvByType: map[string]uint64{}, DropByReason: map[string]uint64{}, Recent: []CommandHeader{}}
	}
	recent := m.recent.List()
	if recent == nil {
		recent = []CommandHeader{}
	}
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Commands: CommandMetrics{
			Enqueued:  m.cmdEnqueued.Load(),
			Forwarded: m.cmdForwarded.Load(),
			Executed:  m.cmdExecuted.Load(),
			Failed:    m.cmdFailed.Load(),
			Unknown:   m.cmdUnknown.Load(),
			Denied:    m.cmdDenied.Load(),
		},
		Relay: RelayMetrics{
			Sent:           m.relaySent.Load(),
			Relayed:        m.relayRelayed.Load(),
			Dropped:        m.relayDropped.Load(),
			DecodeFailures: m.decodeFailed.Load(),
		},
		Broadcast: BroadcastMetrics{
			EventsPushed:       m.eventsPushed.Load(),
			SubscribersRemoved: m.subsRemoved.Load(),
		},
		RecvByType:   recv,
		DropByReason: drops,
		CurrentConns: m.currentConns.Load(),
		Subscribers:  m.subscribers.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode %s: %w", path, err)
	}
	return snap, nil
}

type CommandRecent struct {
	mu   sync.Mutex
	cap  int
	list []CommandHeader
}

func NewCommandRecent(capacity int) *CommandRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &CommandRecent{cap: capacity}
}

func (r *CommandRecent) Add(h CommandHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *CommandRecent) List() []CommandHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CommandHeader, len(r.list))
	copy(out, r.list)
	return out
}
