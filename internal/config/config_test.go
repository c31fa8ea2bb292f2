package config

import (
	"io"
	"strings"
	"testing"
	"time"

	"sessionops/internal/permission"
	"sessionops/internal/session"
)

type envTestConfig struct {
	Port int `env:"SESSIONOPS_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("SESSIONOPS_TEST_PORT", "not-an-int")
	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSIONOPS_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != session.ModeOffline {
		t.Fatalf("mode %s", cfg.Mode)
	}
	if cfg.HTTPAddr != "127.0.0.1:8080" || cfg.Tick != 16*time.Millisecond || cfg.StateTick != 100*time.Millisecond {
		t.Fatalf("defaults %+v", cfg)
	}
	if cfg.NetworkEvery != 10 || cfg.AutoApprove != permission.Basic {
		t.Fatalf("defaults %+v", cfg)
	}
}

func TestLoadTracingSettings(t *testing.T) {
	t.Setenv("SESSIONOPS_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OTelEndpoint != "" || !cfg.OTelEnabled {
		t.Fatalf("tracing defaults endpoint=%q enabled=%v", cfg.OTelEndpoint, cfg.OTelEnabled)
	}
	t.Setenv("SESSIONOPS_OTEL_ENDPOINT", "http://collector:4318")
	t.Setenv("SESSIONOPS_OTEL_ENABLED", "false")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OTelEndpoint != "http://collector:4318" || cfg.OTelEnabled {
		t.Fatalf("tracing endpoint=%q enabled=%v", cfg.OTelEndpoint, cfg.OTelEnabled)
	}
	t.Setenv("SESSIONOPS_OTEL_ENABLED", "maybe")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a malformed SESSIONOPS_OTEL_ENABLED")
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SESSIONOPS_HOME", t.TempDir())
	t.Setenv("SESSIONOPS_MODE", "host")
	t.Setenv("SESSIONOPS_HTTP_ADDR", "127.0.0.1:9000")
	cfg, rest, err := ParseConfigFromArgs("run", []string{"--mode", "client", "--connect", "10.0.0.1:4242", "--auto-approve", "advanced", "extra"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Mode != session.ModeClient || cfg.HostAddr != "10.0.0.1:4242" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("env value lost: %s", cfg.HTTPAddr)
	}
	if cfg.AutoApprove != permission.Advanced {
		t.Fatalf("auto approve %s", cfg.AutoApprove)
	}
	if len(rest) != 1 || rest[0] != "extra" {
		t.Fatalf("rest %v", rest)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("SESSIONOPS_HOME", t.TempDir())
	cases := []struct {
		name string
		args []string
	}{
		{"client without host", []string{"--mode", "client"}},
		{"auto approve host", []string{"--auto-approve", "host"}},
		{"zero tick", []string{"--tick", "0s"}},
		{"bad mode", []string{"--mode", "spectator"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ParseConfigFromArgs("run", tc.args, io.Discard); err == nil {
				t.Fatalf("accepted %v", tc.args)
			}
		})
	}
}
