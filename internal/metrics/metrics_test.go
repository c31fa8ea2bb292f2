package metrics

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncCommandEnqueued()
	m.IncCommandEnqueued()
	m.IncCommandExecuted()
	m.IncCommandFailed()
	m.IncCommandUnknown()
	m.IncCommandDenied()
	m.IncCommandForwarded()
	m.IncRelaySent()
	m.IncRelayRelayed()
	m.IncDecodeFailure()
	m.IncRecvByType("hello")
	m.IncRecvByType("hello")
	m.IncDropByReason("peer_gone")
	m.SetCurrentConns(3)
	m.SetSubscribers(2)
	m.AddEventsPushed(4)
	m.AddSubscribersRemoved(1)
	snap := m.Snapshot()
	if snap.Commands.Enqueued != 2 || snap.Commands.Executed != 1 || snap.Commands.Failed != 1 {
		t.Fatalf("unexpected command counts: %+v", snap.Commands)
	}
	if snap.Commands.Unknown != 1 || snap.Commands.Denied != 1 || snap.Commands.Forwarded != 1 {
		t.Fatalf("unexpected command counts: %+v", snap.Commands)
	}
	if snap.Relay.Sent != 1 || snap.Relay.Relayed != 1 || snap.Relay.Dropped != 1 || snap.Relay.DecodeFailures != 1 {
		t.Fatalf("unexpected relay counts: %+v", snap.Relay)
	}
	if snap.RecvByType["hello"] != 2 {
		t.Fatalf("expected recv_by_type hello=2, got %d", snap.RecvByType["hello"])
	}
	if snap.DropByReason["peer_gone"] != 1 {
		t.Fatalf("expected drop_by_reason peer_gone=1, got %d", snap.DropByReason["peer_gone"])
	}
	if snap.CurrentConns != 3 || snap.Subscribers != 2 {
		t.Fatalf("expected conns/subscribers 3/2, got %d/%d", snap.CurrentConns, snap.Subscribers)
	}
	if snap.Broadcast.EventsPushed != 4 || snap.Broadcast.SubscribersRemoved != 1 {
		t.Fatalf("unexpected broadcast counts: %+v", snap.Broadcast)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncCommandEnqueued()
	m.IncDropByReason("x")
	m.Recent().Add(CommandHeader{Name: "x"})
	if snap := m.Snapshot(); snap.Commands.Enqueued != 0 {
		t.Fatalf("nil metrics counted")
	}
}

func TestRecentRingKeepsNewest(t *testing.T) {
	r := NewCommandRecent(2)
	r.Add(CommandHeader{Name: "a"})
	r.Add(CommandHeader{Name: "b"})
	r.Add(CommandHeader{Name: "c"})
	got := r.List()
	if len(got) != 2 || got[0].Name != "b" || got[1].Name != "c" {
		t.Fatalf("unexpected ring %+v", got)
	}
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	m := New()
	m.IncCommandExecuted()
	m.Recent().Add(CommandHeader{ID: "1", Name: "godmode", User: "u", OK: true, Status: "executed", At: time.Unix(10, 0).UTC()})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if snap.Commands.Executed != 1 || len(snap.Recent) != 1 || snap.Recent[0].Name != "godmode" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
