// Package model defines the data structures for switchboard's
// configuration, run ledger, job queue, and workflow specs.
package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Policy    PolicyConfig    `yaml:"policy"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Queue     QueueConfig     `yaml:"queue"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Worker    WorkerConfig    `yaml:"worker"`
	Convo     ConvoConfig     `yaml:"conversation"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type GatewayConfig struct {
	// Home is the state directory (snapshots, logs, locks, socket).
	Home string `yaml:"home"`
	// Workspace is the root directory workflow file writes resolve under.
	Workspace          string `yaml:"workspace"`
	InboxDir           string `yaml:"inbox_dir"`
	ScanIntervalSec    int    `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	DefaultQueueMode   string `yaml:"default_queue_mode"`
}

type PolicyConfig struct {
	// ApprovalMode: strict | balanced | relaxed.
	ApprovalMode string `yaml:"approval_mode"`
	// ApprovalDefault is consulted only in relaxed mode.
	ApprovalDefault bool `yaml:"approval_default"`
	// FileWriteLifetime: always | session | per_action.
	FileWriteLifetime string                      `yaml:"file_write_lifetime"`
	Capabilities      map[string]CapabilityConfig `yaml:"capabilities"`
}

type CapabilityConfig struct {
	Enabled         bool `yaml:"enabled"`
	SideEffecting   bool `yaml:"side_effecting"`
	Privileged      bool `yaml:"privileged"`
	RequireApproval bool `yaml:"require_approval"`
}

type LedgerConfig struct {
	RetentionHours int `yaml:"retention_hours"`
	MaxRuns        int `yaml:"max_runs"`
}

type QueueConfig struct {
	LeaseSec    int `yaml:"lease_sec"`
	MaxAttempts int `yaml:"max_attempts"`
}

type ApprovalsConfig struct {
	TTLSec int `yaml:"ttl_sec"`
}

type WorkerConfig struct {
	Count           int `yaml:"count"`
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

type ConvoConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a config with every tunable at its default.
func DefaultConfig() Config {
	return Config{
		Gateway: GatewayConfig{
			Home:               ".switchboard",
			Workspace:          ".switchboard/workspace",
			InboxDir:           ".switchboard/inbox",
			ScanIntervalSec:    10,
			ShutdownTimeoutSec: 30,
			DefaultQueueMode:   string(QueueModeSteer),
		},
		Policy: PolicyConfig{
			ApprovalMode:      "balanced",
			FileWriteLifetime: "session",
			Capabilities:      DefaultCapabilities(),
		},
		Ledger: LedgerConfig{
			RetentionHours: 72,
			MaxRuns:        500,
		},
		Queue: QueueConfig{
			LeaseSec:    300,
			MaxAttempts: 3,
		},
		Approvals: ApprovalsConfig{
			TTLSec: 900,
		},
		Worker: WorkerConfig{
			Count:           1,
			PollIntervalSec: 2,
		},
		Convo: ConvoConfig{
			Path: ".switchboard/conversation.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Capability names subject to policy evaluation.
const (
	CapabilityWebSearch = "web.search"
	CapabilityFileWrite = "file.write"
	CapabilityShellExec = "shell.exec"
	CapabilityWasmExec  = "wasm.exec"
	CapabilitySendFile  = "channel.send_attachment"
)

// DefaultCapabilities describes the built-in capability set.
func DefaultCapabilities() map[string]CapabilityConfig {
	return map[string]CapabilityConfig{
		CapabilityWebSearch: {Enabled: true, SideEffecting: false},
		CapabilityFileWrite: {Enabled: true, SideEffecting: true, RequireApproval: true},
		CapabilitySendFile:  {Enabled: true, SideEffecting: true},
		CapabilityShellExec: {Enabled: true, SideEffecting: true, Privileged: true, RequireApproval: true},
		CapabilityWasmExec:  {Enabled: false, SideEffecting: true, Privileged: true},
	}
}

// LoadConfig reads a YAML config file, layering it over defaults.
// A missing file yields the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Policy.Capabilities == nil {
		cfg.Policy.Capabilities = DefaultCapabilities()
	}
	return cfg, nil
}
