package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sessionops/internal/config"
	"sessionops/internal/daemon"
	"sessionops/internal/permission"
	"sessionops/internal/session"
)

func newGateway(t *testing.T) (*daemon.Runner, string) {
	t.Helper()
	cfg := config.Config{
		Home:         filepath.Join(t.TempDir(), "node"),
		Mode:         session.ModeOffline,
		HTTPAddr:     "127.0.0.1:0",
		UserName:     "operator",
		Tick:         10 * time.Millisecond,
		StateTick:    50 * time.Millisecond,
		NetworkEvery: 10,
		AutoApprove:  permission.Basic,
	}
	r, err := daemon.NewRunner(cfg, daemon.Options{})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	srv := httptest.NewServer(r.Gateway.Handler())
	t.Cleanup(srv.Close)
	return r, srv.URL
}

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"-h"}, &out, &out); code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(out.String(), "sessionctl") {
		t.Fatalf("help %q", out.String())
	}
}

func TestSendRunsCommand(t *testing.T) {
	r, addr := newGateway(t)
	var out, errOut bytes.Buffer
	code := run([]string{"send", "--addr", addr, "setmoney", "amount=300"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Command accepted: setmoney by operator") {
		t.Fatalf("stdout %q", out.String())
	}
	r.Step(t.Context(), time.Now())
	if got := r.World.Snapshot().TeamMoney; got != 300 {
		t.Fatalf("money %d", got)
	}
}

func TestSendReportsGatewayError(t *testing.T) {
	_, addr := newGateway(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"send", "--addr", addr, "flyaway"}, &out, &errOut); code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(errOut.String(), "UNKNOWN_COMMAND: Unknown command: flyaway") {
		t.Fatalf("stderr %q", errOut.String())
	}
}

func TestCatalogAndPerms(t *testing.T) {
	r, addr := newGateway(t)
	var out bytes.Buffer
	if code := run([]string{"catalog", "--addr", addr}, &out, &out); code != 0 {
		t.Fatalf("catalog exit %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "godmode") || !strings.Contains(out.String(), "Advanced") {
		t.Fatalf("catalog %q", out.String())
	}
	out.Reset()
	if code := run([]string{"perms", "--addr", addr}, &out, &out); code != 0 {
		t.Fatalf("perms exit %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "host: "+r.Self.ID) || !strings.Contains(out.String(), "role=Host host") {
		t.Fatalf("perms %q", out.String())
	}
}

func TestGrantAndRevoke(t *testing.T) {
	r, addr := newGateway(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"grant", "--addr", addr, "guest", "advanced"}, &out, &errOut); code != 0 {
		t.Fatalf("grant exit %d: %s", code, errOut.String())
	}
	if r.Perms.GetPermission("guest") != permission.Advanced {
		t.Fatalf("grant not applied")
	}
	if code := run([]string{"revoke", "--addr", addr, "guest"}, &out, &errOut); code != 0 {
		t.Fatalf("revoke exit %d: %s", code, errOut.String())
	}
	if r.Perms.GetPermission("guest") != permission.None {
		t.Fatalf("revoke not applied")
	}
	errOut.Reset()
	if code := run([]string{"revoke", "--addr", addr, r.Self.ID}, &out, &errOut); code != 1 {
		t.Fatalf("revoking the host exit %d", code)
	}
	if !strings.Contains(errOut.String(), "PERMISSION_CONFLICT") {
		t.Fatalf("stderr %q", errOut.String())
	}
}

func TestWatchPrintsInitialEvents(t *testing.T) {
	_, addr := newGateway(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"watch", "--addr", addr, "--n", "3"}, &out, &errOut); code != 0 {
		t.Fatalf("watch exit %d: %s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "status ") || !strings.HasPrefix(lines[1], "gamestate ") || !strings.HasPrefix(lines[2], "networkstatus ") {
		t.Fatalf("events %q", out.String())
	}
}

func TestParseData(t *testing.T) {
	data, err := parseData([]string{"amount=5", "enabled=true", "stageName=frozenwall", "item=\"7\""})
	if err != nil {
		t.Fatalf("parseData: %v", err)
	}
	if data["amount"] != float64(5) || data["enabled"] != true || data["stageName"] != "frozenwall" || data["item"] != "7" {
		t.Fatalf("data %#v", data)
	}
	if _, err := parseData([]string{"novalue"}); err == nil {
		t.Fatalf("bare word accepted")
	}
}

func TestReadEventsJoinsDataLines(t *testing.T) {
	stream := "event: a\ndata: one\ndata: two\n\n: comment\nevent: b\ndata: {}\n\n"
	var got []string
	if err := readEvents(strings.NewReader(stream), func(event, data string) bool {
		got = append(got, event+"|"+data)
		return true
	}); err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	if len(got) != 2 || got[0] != "a|one\ntwo" || got[1] != "b|{}" {
		t.Fatalf("events %q", got)
	}
}
