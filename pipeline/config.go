package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogDirEnv overrides the configured log directory when set.
const LogDirEnv = "DBPROCESSING_LOG_DIR"

const defaultJobTimeout = time.Hour

// MissionConfig is the per-mission controller configuration.
type MissionConfig struct {
	// DB is the catalog SQLite path.
	DB string `yaml:"db"`

	Mission string `yaml:"mission"`
	RootDir string `yaml:"root_dir"`

	IncomingDir string `yaml:"incoming_dir"`
	LogDir      string `yaml:"log_dir"`

	NumProc        int `yaml:"num_proc"`
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Environment is merged into the environment of every external code.
	Environment map[string]string `yaml:"environment"`

	// SyslogAddr enables the run-report notifier when non-empty.
	SyslogAddr string `yaml:"syslog_addr"`

	Debug bool `yaml:"debug"`
}

func LoadConfig(path string) (*MissionConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg MissionConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *MissionConfig) applyDefaults() {
	if c.NumProc <= 0 {
		c.NumProc = 1
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = int(defaultJobTimeout / time.Second)
	}
	if env := strings.TrimSpace(os.Getenv(LogDirEnv)); env != "" {
		c.LogDir = env
	}
}

// JobTimeout is the per-job wall clock deadline.
func (c *MissionConfig) JobTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks the fields every command needs.
func (c *MissionConfig) Validate() error {
	if strings.TrimSpace(c.DB) == "" {
		return &ConfigError{Reason: "db path is required"}
	}
	if strings.TrimSpace(c.Mission) == "" {
		return &ConfigError{Reason: "mission name is required"}
	}
	if strings.TrimSpace(c.RootDir) == "" {
		return &ConfigError{Reason: "root_dir is required"}
	}
	return nil
}

// CodeEnvironment is the child process environment: the parent's plus the
// mission's configured variables.
func (c *MissionConfig) CodeEnvironment() []string {
	env := os.Environ()
	for k, v := range c.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
