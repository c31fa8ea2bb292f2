package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sessionops/internal/audit"
	"sessionops/internal/command"
	"sessionops/internal/config"
	"sessionops/internal/metrics"
	"sessionops/internal/permission"
	"sessionops/internal/proto"
	"sessionops/internal/session"
	"sessionops/internal/testutil"
)

func testConfig(t *testing.T, mode session.Mode, name string) config.Config {
	t.Helper()
	return config.Config{
		Home:          filepath.Join(t.TempDir(), name),
		Mode:          mode,
		ListenAddr:    "127.0.0.1:0",
		HTTPAddr:      "127.0.0.1:0",
		UserName:      name,
		Tick:          5 * time.Millisecond,
		StateTick:     20 * time.Millisecond,
		NetworkEvery:  2,
		AutoApprove:   permission.Basic,
		MaxConnsPerIP: 8,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	testutil.Eventually(t, what, testutil.DefaultWait, cond)
}

func start(t *testing.T, r *Runner) Addrs {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan Addrs, 1)
	done := make(chan error, 1)
	go func() { done <- r.RunWithContext(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("runner did not stop")
		}
	})
	select {
	case addrs := <-ready:
		return addrs
	case err := <-done:
		t.Fatalf("run: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("runner not ready")
	}
	return Addrs{}
}

func TestOfflineRunnerExecutesThroughGateway(t *testing.T) {
	jpath := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := audit.OpenJSONL(jpath)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	r, err := NewRunner(testConfig(t, session.ModeOffline, "solo"), Options{Audit: sink})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	srv := httptest.NewServer(r.Gateway.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/command", "application/json", strings.NewReader(`{"type":"godmode","data":{"enabled":true}}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if n := r.Step(context.Background(), time.Now()); n != 1 {
		t.Fatalf("step executed %d", n)
	}
	players := r.World.Snapshot().Players
	if len(players) != 1 || !players[0].GodModeEnabled || players[0].UserID != r.Self.ID {
		t.Fatalf("players %+v", players)
	}
	if r.Metrics.Snapshot().Relay.Sent != 0 {
		t.Fatalf("offline node used the network")
	}
	entries, err := sink.Recent(context.Background(), 0)
	if err != nil || len(entries) != 1 || entries[0].Name != "godmode" || entries[0].Status != command.StatusExecuted {
		t.Fatalf("journal %+v err=%v", entries, err)
	}
}

func TestPeerItemGrantAppliesOnStep(t *testing.T) {
	r, err := NewRunner(testConfig(t, session.ModeOffline, "solo"), Options{})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	id, ent := r.World.EnsurePlayer(r.Self.ID, r.Self.Name)
	payload, err := proto.Marshal(&proto.GrantItem{Target: ent, Item: "Hoof", Count: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r.Relay.Receive(context.Background(), "c1", payload)
	if items, _ := r.World.Items(id); len(items) != 0 {
		t.Fatalf("world changed before the control loop ran: %v", items)
	}
	if n := r.Step(context.Background(), time.Now()); n != 1 {
		t.Fatalf("step drained %d", n)
	}
	if items, _ := r.World.Items(id); items["Hoof"] != 1 {
		t.Fatalf("items after step %v", items)
	}
}

func TestStepReappliesGodMode(t *testing.T) {
	r, err := NewRunner(testConfig(t, session.ModeOffline, "solo"), Options{})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	id, _ := r.World.EnsurePlayer(r.Self.ID, r.Self.Name)
	if err := r.World.SetGodMode(id, true); err != nil {
		t.Fatalf("SetGodMode: %v", err)
	}
	if err := r.World.SetHealth(id, 10); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	now := time.Now()
	r.Step(context.Background(), now)
	p := r.World.Snapshot().Players[0]
	if p.Health != p.MaxHealth {
		t.Fatalf("god mode not applied: %+v", p)
	}
}

func TestRunWritesSnapshotAndServesStatus(t *testing.T) {
	cfg := testConfig(t, session.ModeOffline, "solo")
	r, err := NewRunner(cfg, Options{Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	addrs := start(t, r)
	resp, err := http.Get("http://" + addrs.HTTP + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var status struct {
		Mode session.Mode `json:"mode"`
	}
	if err := json.Unmarshal(body, &status); err != nil || status.Mode != session.ModeOffline {
		t.Fatalf("status %s err=%v", body, err)
	}
	waitFor(t, "metrics snapshot", func() bool {
		_, err := os.Stat(filepath.Join(cfg.Home, snapshotFile))
		return err == nil
	})
}

func TestHostAndClientOverQUIC(t *testing.T) {
	host, err := NewRunner(testConfig(t, session.ModeHost, "host"), Options{})
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	hostAddrs := start(t, host)

	ccfg := testConfig(t, session.ModeClient, "guest")
	ccfg.HostAddr = hostAddrs.Peer
	client, err := NewRunner(ccfg, Options{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	start(t, client)

	waitFor(t, "client attach", client.Session.Attached)
	waitFor(t, "roster", func() bool { return len(host.World.Snapshot().Players) == 2 })

	ctx := context.Background()
	res, err := client.Session.RequestPermission(ctx, permission.Basic)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if res.Granted {
		t.Fatalf("client granted itself")
	}
	waitFor(t, "grant mirrored", func() bool {
		return client.Perms.GetPermission(client.Self.ID) == permission.Basic
	})

	cmd, err := command.New("setmoney", map[string]any{"amount": 250}, client.Self.ID, client.Self.Name)
	if err != nil {
		t.Fatalf("command.New: %v", err)
	}
	if err := client.Session.SendCommand(ctx, cmd); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	waitFor(t, "host executes", func() bool { return host.World.Snapshot().TeamMoney == 250 })
	if client.World.Snapshot().TeamMoney != 0 {
		t.Fatalf("command ran on the client")
	}
}
