// Package config loads the daemon configuration: a YAML tree overlaid on
// built-in defaults. Durations are plain numbers in the unit named by the
// field, which keeps hand-edited configs honest.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registration modes.
const (
	RegistrationOpen      = "open"
	RegistrationClosed    = "closed"
	RegistrationWhitelist = "whitelist"
)

type Config struct {
	BBS        BBS        `yaml:"bbs"`
	Database   Database   `yaml:"database"`
	Crypto     Crypto     `yaml:"crypto"`
	Features   Features   `yaml:"features"`
	Sync       Sync       `yaml:"sync"`
	RateLimits RateLimits `yaml:"ratelimits"`
	Auth       Auth       `yaml:"auth"`
}

type BBS struct {
	Name                  string `yaml:"name"`
	Callsign              string `yaml:"callsign"`
	MOTD                  string `yaml:"motd"`
	Timezone              string `yaml:"timezone"`
	SessionTimeoutMinutes int    `yaml:"session_timeout_minutes"`
	AnnounceIntervalHours int    `yaml:"announce_interval_hours"` // 0 disables
	AnnounceChannel       int    `yaml:"announce_channel"`
}

type Database struct {
	Path                string `yaml:"path"`
	BackupPath          string `yaml:"backup_path"`
	BackupIntervalHours int    `yaml:"backup_interval_hours"`
}

type Crypto struct {
	ArgonTime        uint32 `yaml:"argon_time"`
	ArgonMemoryKB    uint32 `yaml:"argon_memory_kb"`
	ArgonParallelism uint8  `yaml:"argon_parallelism"`
}

type Features struct {
	Mail         bool     `yaml:"mail"`
	Boards       bool     `yaml:"boards"`
	Sync         bool     `yaml:"sync"`
	Registration string   `yaml:"registration"`
	Whitelist    []string `yaml:"whitelist"` // usernames, whitelist mode only
	MaxUsers     int      `yaml:"max_users"` // 0 = unlimited
}

type Sync struct {
	MailMaxHops          int `yaml:"mail_max_hops"`
	MaxSyncedBoards      int `yaml:"max_synced_boards"`
	BatchThreshold       int `yaml:"batch_threshold"`
	BatchIntervalMinutes int `yaml:"batch_interval_minutes"`
	HeartbeatHours       int `yaml:"rap_heartbeat_hours"`
	RouteShareHours      int `yaml:"route_share_hours"`
	RouteTTLHours        int `yaml:"route_ttl_hours"`
	UnreachableThreshold int `yaml:"unreachable_threshold"`
	DeadThreshold        int `yaml:"dead_threshold"`
	MailRetryMinutes     int `yaml:"mail_retry_minutes"`
	AckTimeoutSeconds    int `yaml:"ack_timeout_seconds"`
}

type RateLimits struct {
	UnicastMS      int `yaml:"unicast_ms"`
	MailChunkMinMS int `yaml:"mail_chunk_min_ms"`
	MailChunkMaxMS int `yaml:"mail_chunk_max_ms"`
	BoardChunkMS   int `yaml:"board_chunk_ms"`
	SyncReqSeconds int `yaml:"sync_req_seconds"`
}

type Auth struct {
	MaxFailedLogins int `yaml:"max_failed_logins"`
	LockoutMinutes  int `yaml:"lockout_minutes"`
}

// Default returns the full default tree. Load overlays YAML on top of this,
// so an empty file is a valid config apart from the callsign.
func Default() *Config {
	return &Config{
		BBS: BBS{
			Name:                  "advBBS",
			Timezone:              "UTC",
			SessionTimeoutMinutes: 30,
			AnnounceIntervalHours: 12,
			AnnounceChannel:       0,
		},
		Database: Database{
			Path:                "./data",
			BackupIntervalHours: 24,
		},
		Crypto: Crypto{
			ArgonTime:        3,
			ArgonMemoryKB:    32768,
			ArgonParallelism: 1,
		},
		Features: Features{
			Mail:         true,
			Boards:       true,
			Sync:         true,
			Registration: RegistrationOpen,
		},
		Sync: Sync{
			MailMaxHops:          5,
			MaxSyncedBoards:      3,
			BatchThreshold:       10,
			BatchIntervalMinutes: 60,
			HeartbeatHours:       12,
			RouteShareHours:      24,
			RouteTTLHours:        48,
			UnreachableThreshold: 2,
			DeadThreshold:        5,
			MailRetryMinutes:     10,
			AckTimeoutSeconds:    30,
		},
		RateLimits: RateLimits{
			UnicastMS:      3500,
			MailChunkMinMS: 2200,
			MailChunkMaxMS: 2600,
			BoardChunkMS:   3000,
			SyncReqSeconds: 300,
		},
		Auth: Auth{
			MaxFailedLogins: 5,
			LockoutMinutes:  15,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.BBS.Callsign) == "" {
		return fmt.Errorf("bbs.callsign is required")
	}
	switch c.Features.Registration {
	case RegistrationOpen, RegistrationClosed, RegistrationWhitelist:
	default:
		return fmt.Errorf("features.registration: unknown mode %q", c.Features.Registration)
	}
	if c.Sync.MailMaxHops < 1 {
		return fmt.Errorf("sync.mail_max_hops must be at least 1")
	}
	if c.RateLimits.MailChunkMaxMS < c.RateLimits.MailChunkMinMS {
		return fmt.Errorf("ratelimits: mail_chunk_max_ms below mail_chunk_min_ms")
	}
	return nil
}
