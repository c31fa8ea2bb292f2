package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sessionops/internal/audit"
	"sessionops/internal/config"
	"sessionops/internal/daemon"
	"sessionops/internal/metrics"
	"sessionops/internal/pprofutil"
	"sessionops/internal/session"
	"sessionops/internal/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "recent":
		return runRecent(args[1:], stdout, stderr)
	case "journal":
		return runJournal(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: sessionops-node <run|status|recent|journal> [args]")
	fmt.Fprintln(w, "  run      [--mode offline|host|client] [--listen <ip:port>] [--connect <ip:port>] [--http <ip:port>] [--name <name>] [--devtls] [--audit <dsn>]")
	fmt.Fprintln(w, "  status   [--home <dir>]")
	fmt.Fprintln(w, "  recent   [--home <dir>] [--n 20]")
	fmt.Fprintln(w, "  journal  --audit <jsonl:path|sqlite:path> [--n 20]")
}

func homeDir() string {
	if h := os.Getenv("SESSIONOPS_HOME"); h != "" {
		return h
	}
	return config.DefaultHome()
}

func runNode(args []string, stdout, stderr io.Writer) int {
	cfg, _, err := config.ParseConfigFromArgs("run", args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if cfg.Mode == session.ModeHost && cfg.DevTLS {
		fmt.Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")
	}
	if _, err := pprofutil.StartFromEnv(stderr); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdown, err := telemetry.Setup(ctx, "sessionops-node", telemetry.Options{Endpoint: cfg.OTelEndpoint, Enabled: cfg.OTelEnabled})
	if err != nil {
		fmt.Fprintf(stderr, "telemetry: %v\n", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	runner, err := daemon.NewRunner(cfg, daemon.Options{Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ready := make(chan daemon.Addrs, 1)
	go func() {
		select {
		case a := <-ready:
			fmt.Fprintf(stdout, "READY mode=%s user=%s name=%s http=%s peer=%s\n", cfg.Mode, runner.Self.ID, runner.Self.Name, a.HTTP, a.Peer)
		case <-ctx.Done():
		}
	}()
	if err := runner.RunWithContext(ctx, ready); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "state directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	snap := readMetricsSnapshot(filepath.Join(*home, "metrics.json"))
	if snap.GeneratedAt.IsZero() {
		fmt.Fprintln(stdout, "status: no metrics snapshot (is the node running?)")
		return 1
	}
	c := snap.Commands
	fmt.Fprintf(stdout, "Local node summary (as of %s):\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  connections: %d\n", snap.CurrentConns)
	fmt.Fprintf(stdout, "  subscribers: %d\n", snap.Subscribers)
	fmt.Fprintf(stdout, "  commands: enqueued=%d forwarded=%d executed=%d failed=%d unknown=%d denied=%d\n",
		c.Enqueued, c.Forwarded, c.Executed, c.Failed, c.Unknown, c.Denied)
	fmt.Fprintf(stdout, "  relay: sent=%d relayed=%d dropped=%d decode_failures=%d\n",
		snap.Relay.Sent, snap.Relay.Relayed, snap.Relay.Dropped, snap.Relay.DecodeFailures)
	fmt.Fprintf(stdout, "  events: pushed=%d subscribers_removed=%d\n",
		snap.Broadcast.EventsPushed, snap.Broadcast.SubscribersRemoved)
	return 0
}

func runRecent(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "state directory")
	n := fs.Int("n", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	recent := readMetricsSnapshot(filepath.Join(*home, "metrics.json")).Recent
	if *n > 0 && len(recent) > *n {
		recent = recent[len(recent)-*n:]
	}
	for _, h := range recent {
		line := fmt.Sprintf("%s cmd=%s user=%s status=%s", h.At.Format(time.RFC3339), h.Name, shortID(h.User), h.Status)
		if h.Error != "" {
			line += " error=" + h.Error
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

func runJournal(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dsn := fs.String("audit", os.Getenv("SESSIONOPS_AUDIT_DSN"), "journal dsn")
	n := fs.Int("n", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *dsn == "" {
		fmt.Fprintln(stderr, "missing --audit")
		return 1
	}
	sink, err := audit.Open(*dsn)
	if err != nil {
		fmt.Fprintf(stderr, "journal: %v\n", err)
		return 1
	}
	defer sink.Close()
	entries, err := sink.Recent(context.Background(), *n)
	if err != nil {
		fmt.Fprintf(stderr, "journal: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%s cmd=%s user=%s status=%s took=%dus\n", e.At.Format(time.RFC3339), e.Name, shortID(e.UserID), e.Status, e.DurationUS)
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	snap, err := metrics.ReadSnapshot(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
