// Package config loads and validates the engine configuration from
// config.yaml, applying the documented defaults for every omitted key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/conductor/internal/otel"
)

// Default values applied by Load when a key is absent.
const (
	DefaultNumAgents           = 3
	DefaultMaxWorkers          = 10
	DefaultTaskTimeoutSeconds  = 300
	DefaultLogLevel            = "INFO"
	DefaultContainerMemory     = "2g"
	DefaultContainerCPU        = "1.0"
	DefaultHealthCheckInterval = 30
	DefaultHealthCheckTimeout  = 5
	DefaultHealthFailThreshold = 3
	DefaultSocketPath          = "/tmp/claude_orchestrator.sock"
	DefaultMessageTimeout      = 5.0
	DefaultRetryCount          = 3
	DefaultQueueMaxSize        = 1000
	DefaultPriorityLevels      = 10
	DefaultMaxRetries          = 2
	DefaultRetryDelay          = 1.0
	DefaultMinAgents           = 1
	DefaultResultRetention     = 1000
	DefaultSnapshotRetention   = 5
	DefaultWorkerCommand       = "claude-code --headless"
)

// AgentSettings holds per-agent container and health defaults.
type AgentSettings struct {
	ContainerMemory     string `yaml:"container_memory"`
	ContainerCPU        string `yaml:"container_cpu"`
	HealthCheckInterval int    `yaml:"health_check_interval"` // seconds
	HealthCheckTimeout  int    `yaml:"health_check_timeout"`  // seconds to wait for a probe reply
	HealthFailThreshold int    `yaml:"health_fail_threshold"` // consecutive failures before failed
	WorkerCommand       string `yaml:"worker_command"`        // headless worker invocation inside the container
}

// CommunicationSettings configures the broker socket.
type CommunicationSettings struct {
	SocketPath     string  `yaml:"socket_path"`
	MessageTimeout float64 `yaml:"message_timeout"` // seconds
	RetryCount     int     `yaml:"retry_count"`
}

// QueueSettings bounds the in-memory task queue.
type QueueSettings struct {
	MaxSize        int     `yaml:"max_size"`
	PriorityLevels int     `yaml:"priority_levels"`
	AgingFactor    float64 `yaml:"aging_factor"` // effective-priority boost per minute of age; 0 disables aging
}

// EnvironmentSpec describes one workspace environment tag: base image,
// packages installed at provision time, and named volume mounts.
type EnvironmentSpec struct {
	Image    string            `yaml:"image"`
	Packages []string          `yaml:"packages"`
	Volumes  map[string]string `yaml:"volumes"` // volume name -> guest path
}

// ResourceSpec carries per-agent container resource requests/limits.
type ResourceSpec struct {
	Memory string `yaml:"memory"`
	CPU    string `yaml:"cpu"`
}

// WorkspaceSettings configures the isolated-workspace controller.
type WorkspaceSettings struct {
	Enabled           bool                       `yaml:"enabled"`
	Mode              string                     `yaml:"mode"` // sandbox, shared, hybrid
	DefaultEnv        string                     `yaml:"default_environment"`
	Environments      map[string]EnvironmentSpec `yaml:"environments"`
	Resources         map[string]ResourceSpec    `yaml:"resources"` // agent_id -> overrides
	SnapshotsEnabled  bool                       `yaml:"snapshots_enabled"`
	SnapshotRetention int                        `yaml:"snapshot_retention"` // max snapshots kept per agent
}

// IsolationSettings controls failure-time workspace behavior.
type IsolationSettings struct {
	CleanupOnFailure   bool `yaml:"cleanup_on_failure"`
	SnapshotBeforeTask bool `yaml:"snapshot_before_task"`
	RestoreOnError     bool `yaml:"restore_on_error"`
}

// ExecutionSettings configures task retry and parallelism.
type ExecutionSettings struct {
	MaxRetries        int               `yaml:"max_retries"`
	RetryDelay        float64           `yaml:"retry_delay"` // seconds, base for exponential backoff
	ParallelExecution bool              `yaml:"parallel_execution"`
	Isolation         IsolationSettings `yaml:"isolation"`
}

// HistorySettings configures the sqlite task-history archive.
type HistorySettings struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"` // 0 = keep forever
}

// Config is the root engine configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	NumAgents   int     `yaml:"num_agents"`
	MinAgents   int     `yaml:"min_agents"`
	MaxWorkers  int     `yaml:"max_workers"`
	TaskTimeout float64 `yaml:"task_timeout"` // seconds
	LogLevel    string  `yaml:"log_level"`

	// WorkspaceRoot is the host directory holding per-agent workspace dirs.
	// Defaults to <home>/workspaces.
	WorkspaceRoot string `yaml:"workspace_root"`

	// AutoRestartAgents enables one restart attempt after a health failure
	// before the agent is quarantined.
	AutoRestartAgents bool `yaml:"auto_restart_agents"`

	// ResultRetention bounds the in-memory result store (entry count).
	ResultRetention int `yaml:"result_retention"`

	Agent         AgentSettings         `yaml:"agent"`
	Communication CommunicationSettings `yaml:"communication"`
	TaskQueue     QueueSettings         `yaml:"task_queue"`
	Workspace     WorkspaceSettings     `yaml:"isolated_workspace"`
	Execution     ExecutionSettings     `yaml:"task_execution"`
	History       HistorySettings       `yaml:"history"`
	OTel          otel.Config           `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the engine home directory: $CONDUCTOR_HOME or ~/.conductor.
func HomeDir() (string, error) {
	if v := os.Getenv("CONDUCTOR_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".conductor"), nil
}

// Load reads config.yaml from the given path (empty = default location),
// applies defaults, and validates. A missing file yields the full default
// configuration.
func Load(path string) (*Config, error) {
	homeDir, err := HomeDir()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = ConfigPath(homeDir)
	}

	// max_retries may legitimately be 0, so its default is preset here and
	// only an absent key keeps it.
	cfg := &Config{HomeDir: homeDir, Execution: ExecutionSettings{MaxRetries: DefaultMaxRetries}}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NumAgents <= 0 {
		c.NumAgents = DefaultNumAgents
	}
	if c.MinAgents <= 0 {
		c.MinAgents = DefaultMinAgents
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeoutSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(c.HomeDir, "workspaces")
	}
	if c.ResultRetention <= 0 {
		c.ResultRetention = DefaultResultRetention
	}

	if c.Agent.ContainerMemory == "" {
		c.Agent.ContainerMemory = DefaultContainerMemory
	}
	if c.Agent.ContainerCPU == "" {
		c.Agent.ContainerCPU = DefaultContainerCPU
	}
	if c.Agent.HealthCheckInterval <= 0 {
		c.Agent.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Agent.HealthCheckTimeout <= 0 {
		c.Agent.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.Agent.HealthFailThreshold <= 0 {
		c.Agent.HealthFailThreshold = DefaultHealthFailThreshold
	}
	if c.Agent.WorkerCommand == "" {
		c.Agent.WorkerCommand = DefaultWorkerCommand
	}

	if c.Communication.SocketPath == "" {
		c.Communication.SocketPath = DefaultSocketPath
	}
	if c.Communication.MessageTimeout <= 0 {
		c.Communication.MessageTimeout = DefaultMessageTimeout
	}
	if c.Communication.RetryCount <= 0 {
		c.Communication.RetryCount = DefaultRetryCount
	}

	if c.TaskQueue.MaxSize <= 0 {
		c.TaskQueue.MaxSize = DefaultQueueMaxSize
	}
	if c.TaskQueue.PriorityLevels <= 0 {
		c.TaskQueue.PriorityLevels = DefaultPriorityLevels
	}

	if c.Workspace.Mode == "" {
		c.Workspace.Mode = "sandbox"
	}
	if c.Workspace.DefaultEnv == "" {
		c.Workspace.DefaultEnv = "base"
	}
	if c.Workspace.Environments == nil {
		c.Workspace.Environments = map[string]EnvironmentSpec{}
	}
	if _, ok := c.Workspace.Environments[c.Workspace.DefaultEnv]; !ok {
		c.Workspace.Environments[c.Workspace.DefaultEnv] = EnvironmentSpec{Image: "ubuntu:22.04"}
	}
	if c.Workspace.SnapshotRetention <= 0 {
		c.Workspace.SnapshotRetention = DefaultSnapshotRetention
	}

	if c.Execution.MaxRetries < 0 {
		c.Execution.MaxRetries = DefaultMaxRetries
	}
	if c.Execution.RetryDelay <= 0 {
		c.Execution.RetryDelay = DefaultRetryDelay
	}
}

// Validate rejects malformed or incompatible option combinations. A non-nil
// error aborts startup.
func (c *Config) Validate() error {
	if c.MinAgents > c.NumAgents {
		return fmt.Errorf("config: min_agents (%d) exceeds num_agents (%d)", c.MinAgents, c.NumAgents)
	}
	switch strings.ToLower(c.Workspace.Mode) {
	case "sandbox", "shared", "hybrid":
	default:
		return fmt.Errorf("config: unknown isolated_workspace.mode %q (want sandbox, shared, or hybrid)", c.Workspace.Mode)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if c.TaskQueue.PriorityLevels < 1 {
		return fmt.Errorf("config: task_queue.priority_levels must be >= 1")
	}
	if _, ok := c.Workspace.Environments[c.Workspace.DefaultEnv]; !ok {
		return fmt.Errorf("config: default environment %q has no entry under isolated_workspace.environments", c.Workspace.DefaultEnv)
	}
	for tag, env := range c.Workspace.Environments {
		if env.Image == "" {
			return fmt.Errorf("config: environment %q has no image", tag)
		}
	}
	return nil
}

// TaskTimeoutDuration returns the default per-task timeout as a duration.
func (c *Config) TaskTimeoutDuration() time.Duration {
	return time.Duration(c.TaskTimeout * float64(time.Second))
}

// MessageTimeoutDuration returns the channel message timeout as a duration.
func (c *Config) MessageTimeoutDuration() time.Duration {
	return time.Duration(c.Communication.MessageTimeout * float64(time.Second))
}

// RetryDelayDuration returns the base retry delay as a duration.
func (c *Config) RetryDelayDuration() time.Duration {
	return time.Duration(c.Execution.RetryDelay * float64(time.Second))
}
