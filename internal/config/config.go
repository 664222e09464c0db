package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":5000"`

	// Audit trail
	DatabasePath       string `envconfig:"DATABASE_PATH" default:"/app/data/webssh.db"`
	AuditEnabled       bool   `envconfig:"AUDIT_ENABLED" default:"true"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	LogPath string `envconfig:"LOG_PATH" default:""`

	// Backend connection settings
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	DisconnectTimeout time.Duration `envconfig:"DISCONNECT_TIMEOUT" default:"1s"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"10ms"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`
	KeepaliveTimeout  time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"5s"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"256"`
	TermType          string        `envconfig:"TERM_TYPE" default:"xterm"`

	// Client channel settings
	InputRateLimit int      `envconfig:"INPUT_RATE_LIMIT" default:"200"`
	InputRateBurst int      `envconfig:"INPUT_RATE_BURST" default:"200"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WEBSSH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate rejects settings the connection engine cannot run with.
func (s Settings) Validate() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"CONNECT_TIMEOUT", s.ConnectTimeout},
		{"DISCONNECT_TIMEOUT", s.DisconnectTimeout},
		{"POLL_INTERVAL", s.PollInterval},
		{"SWEEP_INTERVAL", s.SweepInterval},
		{"KEEPALIVE_TIMEOUT", s.KeepaliveTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if s.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s, got %s", s.SweepInterval)
	}
	if s.MaxConnections < 0 {
		return fmt.Errorf("MAX_CONNECTIONS must not be negative, got %d", s.MaxConnections)
	}
	if s.InputRateLimit <= 0 || s.InputRateBurst <= 0 {
		return fmt.Errorf("INPUT_RATE_LIMIT and INPUT_RATE_BURST must be positive")
	}
	return nil
}
