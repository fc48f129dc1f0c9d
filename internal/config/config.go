// Package config loads runtime settings from a YAML file and TASKMESH_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type (
	// Config is the root configuration.
	Config struct {
		Scheduler    Scheduler    `mapstructure:"scheduler"`
		Orchestrator Orchestrator `mapstructure:"orchestrator"`
		Consensus    Consensus    `mapstructure:"consensus"`
		History      History      `mapstructure:"history"`
		Logger       Logger       `mapstructure:"logger"`
	}

	// Scheduler controls admission and supervision.
	Scheduler struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		HistoryLimit  int           `mapstructure:"history_limit"`
	}

	// Orchestrator controls dispatch.
	Orchestrator struct {
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
		LoadPenalty     float64       `mapstructure:"load_penalty"`
		DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	}

	// Consensus controls voting windows.
	Consensus struct {
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
		ProposalTimeout time.Duration `mapstructure:"proposal_timeout"`
	}

	// History controls the optional execution archive.
	History struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	}

	// Logger controls log output.
	Logger struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"` // "json" or "console"
	}
)

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Scheduler: Scheduler{
			SweepInterval: time.Second,
			HistoryLimit:  1024,
		},
		Orchestrator: Orchestrator{
			SweepInterval:   500 * time.Millisecond,
			LoadPenalty:     10,
			DispatchTimeout: 10 * time.Second,
		},
		Consensus: Consensus{
			SweepInterval:   time.Second,
			ProposalTimeout: 30 * time.Second,
		},
		History: History{
			Enabled: false,
			Path:    "taskmesh-history.db",
		},
		Logger: Logger{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Load reads config.yaml from the given directory (or the working directory
// when empty), layered over defaults, with TASKMESH_* env overrides. A
// missing file is not an error.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("taskmesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("scheduler.sweep_interval", def.Scheduler.SweepInterval)
	v.SetDefault("scheduler.history_limit", def.Scheduler.HistoryLimit)
	v.SetDefault("orchestrator.sweep_interval", def.Orchestrator.SweepInterval)
	v.SetDefault("orchestrator.load_penalty", def.Orchestrator.LoadPenalty)
	v.SetDefault("orchestrator.dispatch_timeout", def.Orchestrator.DispatchTimeout)
	v.SetDefault("consensus.sweep_interval", def.Consensus.SweepInterval)
	v.SetDefault("consensus.proposal_timeout", def.Consensus.ProposalTimeout)
	v.SetDefault("history.enabled", def.History.Enabled)
	v.SetDefault("history.path", def.History.Path)
	v.SetDefault("logger.level", def.Logger.Level)
	v.SetDefault("logger.encoding", def.Logger.Encoding)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}
