package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/shellgate.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/shellgate.log"`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// Identity resolution
	JWTSecret          string `envconfig:"JWT_SECRET" default:""`
	SessionTokenCookie string `envconfig:"SESSION_TOKEN_COOKIE" default:"session_token"`

	// Gateway
	ConfigCacheTTL time.Duration `envconfig:"CONFIG_CACHE_TTL" default:"5s"`
	BackendHost    string        `envconfig:"BACKEND_HOST" default:"localhost"`

	// Terminal session settings
	TerminalShell       string        `envconfig:"TERMINAL_SHELL" default:"/bin/bash"`
	TerminalHome        string        `envconfig:"TERMINAL_HOME" default:"/app/data/terminal-home"`
	TerminalMaxSessions int           `envconfig:"TERMINAL_MAX_SESSIONS" default:"10"`
	TerminalScrollback  int           `envconfig:"TERMINAL_SCROLLBACK_BYTES" default:"262144"`
	TerminalIdleTimeout time.Duration `envconfig:"TERMINAL_IDLE_TIMEOUT" default:"0"`

	// Maintenance schedule (robfig/cron syntax)
	MaintenanceSchedule string `envconfig:"MAINTENANCE_SCHEDULE" default:"@every 10m"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
