package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	HostsFile    string `envconfig:"HOSTS_FILE" default:"hosts.yaml"`

	// Shared SSH credentials for roster entries without their own.
	SSHUsername string `envconfig:"SSH_USERNAME" default:""`
	SSHPassword string `envconfig:"SSH_PASSWORD" default:""`

	// Health monitor settings
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"30s"`
	ProbeTimeout  time.Duration `envconfig:"PROBE_TIMEOUT" default:"5s"`

	// SSH runner settings
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	SCPTimeout     time.Duration `envconfig:"SCP_TIMEOUT" default:"600s"`
	FlushInterval  time.Duration `envconfig:"FLUSH_INTERVAL" default:"100ms"`
	FlushBytes     int           `envconfig:"FLUSH_BYTES" default:"4096"`

	// Task registry settings
	CancelDeadline time.Duration `envconfig:"CANCEL_DEADLINE" default:"5s"`

	// Workflow history settings
	HistoryRetentionDays int `envconfig:"HISTORY_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("STUBGW", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "stub-gateway.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "stub-gateway.log")
	}
}
