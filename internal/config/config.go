package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"sessionops/internal/permission"
	"sessionops/internal/session"
)

// Config is the node configuration. Every field reads an environment
// variable first; command line flags override it.
type Config struct {
	Home          string          `env:"SESSIONOPS_HOME"`
	Mode          session.Mode    `env:"SESSIONOPS_MODE" envDefault:"offline"`
	ListenAddr    string          `env:"SESSIONOPS_LISTEN_ADDR" envDefault:"0.0.0.0:4242"`
	HostAddr      string          `env:"SESSIONOPS_HOST_ADDR"`
	HTTPAddr      string          `env:"SESSIONOPS_HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	UserName      string          `env:"SESSIONOPS_USER_NAME"`
	Tick          time.Duration   `env:"SESSIONOPS_TICK" envDefault:"16ms"`
	StateTick     time.Duration   `env:"SESSIONOPS_STATE_TICK" envDefault:"100ms"`
	NetworkEvery  int             `env:"SESSIONOPS_NETWORK_EVERY" envDefault:"10"`
	AutoApprove   permission.Role `env:"SESSIONOPS_AUTO_APPROVE" envDefault:"Basic"`
	AuditDSN      string          `env:"SESSIONOPS_AUDIT_DSN"`
	DevTLS        bool            `env:"SESSIONOPS_DEV_TLS"`
	CAPath        string          `env:"SESSIONOPS_CA_PATH"`
	MaxConnsPerIP int             `env:"SESSIONOPS_MAX_CONNS_PER_IP" envDefault:"4"`
	OTelEndpoint  string          `env:"SESSIONOPS_OTEL_ENDPOINT"`
	OTelEnabled   bool            `env:"SESSIONOPS_OTEL_ENABLED" envDefault:"true"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads the environment and fills in the derived defaults.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.Home == "" {
		cfg.Home = DefaultHome()
	}
	return cfg, nil
}

// ParseConfigFromArgs loads the environment and applies flag overrides.
// Remaining positional arguments are returned.
func ParseConfigFromArgs(name string, args []string, stderr io.Writer) (Config, []string, error) {
	cfg, err := Load()
	if err != nil {
		return Config{}, nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Home, "home", cfg.Home, "state directory")
	fs.TextVar(&cfg.Mode, "mode", cfg.Mode, "offline, host or client")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "peer listen address (host)")
	fs.StringVar(&cfg.HostAddr, "connect", cfg.HostAddr, "host address (client)")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "gateway listen address")
	fs.StringVar(&cfg.UserName, "name", cfg.UserName, "display name")
	fs.DurationVar(&cfg.Tick, "tick", cfg.Tick, "control loop interval")
	fs.DurationVar(&cfg.StateTick, "state-tick", cfg.StateTick, "state broadcast interval")
	fs.IntVar(&cfg.NetworkEvery, "network-every", cfg.NetworkEvery, "state ticks between network status checks")
	fs.TextVar(&cfg.AutoApprove, "auto-approve", cfg.AutoApprove, "highest role granted without the host")
	fs.StringVar(&cfg.AuditDSN, "audit", cfg.AuditDSN, "audit journal (jsonl:<path> or sqlite:<path>)")
	fs.BoolVar(&cfg.DevTLS, "devtls", cfg.DevTLS, "use the built-in development certificate")
	fs.StringVar(&cfg.CAPath, "ca", cfg.CAPath, "CA certificate to trust when connecting")
	fs.IntVar(&cfg.MaxConnsPerIP, "max-conns-per-ip", cfg.MaxConnsPerIP, "peer connections accepted per address (0 disables)")
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Home) == "" {
		return errors.New("missing home")
	}
	if c.Mode == session.ModeClient && strings.TrimSpace(c.HostAddr) == "" {
		return errors.New("client mode needs a host address")
	}
	if c.Tick <= 0 || c.StateTick <= 0 {
		return fmt.Errorf("tick intervals must be positive: tick=%s state=%s", c.Tick, c.StateTick)
	}
	if c.NetworkEvery <= 0 {
		return fmt.Errorf("network-every must be positive: %d", c.NetworkEvery)
	}
	if !c.AutoApprove.Valid() || c.AutoApprove >= permission.Host {
		return fmt.Errorf("auto approve ceiling %s not allowed", c.AutoApprove)
	}
	return nil
}

// DefaultHome is ~/.sessionops, or a relative directory when the home
// directory is unknown.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".sessionops"
	}
	return filepath.Join(home, ".sessionops")
}
