package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is cmd/pipewright's daemon configuration, loaded the way
// internal/config.Load reads cmd/controller's SessionConfig: viper bound to
// a config file plus PIPEWRIGHT_-prefixed environment variables, narrowed
// here to only what the orchestrator daemon needs rather than the
// session-launcher CLI's broader shape.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	Store struct {
		Driver string `mapstructure:"driver"` // "sqlite" or "memory"
		Path   string `mapstructure:"path"`
	} `mapstructure:"store"`

	Watcher struct {
		Interval      string `mapstructure:"interval"`
		AutoDispatch  bool   `mapstructure:"auto_dispatch"`
		WorkspaceRoot string `mapstructure:"workspace_root"`
		AgentIdentity string `mapstructure:"agent_identity"`
	} `mapstructure:"watcher"`

	Monitor struct {
		JournalDir string `mapstructure:"journal_dir"` // empty disables the on-disk event journal
	} `mapstructure:"monitor"`

	Worker struct {
		Driver  string   `mapstructure:"driver"` // "container" or "process"
		Image   string   `mapstructure:"image"`
		Command []string `mapstructure:"command"`
	} `mapstructure:"worker"`

	GitHub struct {
		AppID          string `mapstructure:"app_id"`
		InstallationID int64  `mapstructure:"installation_id"`
		PrivateKeyPath string `mapstructure:"private_key_path"`
	} `mapstructure:"github"`
}

func loadConfig() (*Config, error) {
	viper.SetConfigName("pipewright")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/pipewright")
	viper.SetEnvPrefix("PIPEWRIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "pipewright.db"
	}
	if cfg.Watcher.Interval == "" {
		cfg.Watcher.Interval = "30s"
	}
	if cfg.Watcher.WorkspaceRoot == "" {
		cfg.Watcher.WorkspaceRoot = "/var/lib/pipewright/workspaces"
	}
	if cfg.Watcher.AgentIdentity == "" {
		cfg.Watcher.AgentIdentity = "pipewright-orchestrator"
	}
	if cfg.Worker.Driver == "" {
		cfg.Worker.Driver = "process"
	}
}
