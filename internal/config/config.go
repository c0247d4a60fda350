// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package config loads service configuration from an optional YAML file with
// command-line flag overrides, flags winning.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the full service configuration.
type Config struct {
	DatabaseURL       string        `koanf:"database_url"`
	ListenAddr        string        `koanf:"listen_addr"`
	ObservabilityAddr string        `koanf:"observability_addr"`
	LogFormat         string        `koanf:"log_format"`
	LogLevel          string        `koanf:"log_level"`
	EvaluationTimeout time.Duration `koanf:"evaluation_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:        ":8080",
		ObservabilityAddr: ":9100",
		LogFormat:         "json",
		LogLevel:          "info",
		EvaluationTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Load merges defaults, the YAML file at path (skipped when empty or
// missing), the GATEHOUSE_DATABASE_URL environment variable, and finally the
// flag set. Later layers win.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	cfg := Defaults()
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
			}
		} else if !os.IsNotExist(err) {
			return nil, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
		}
	}

	if dsn := os.Getenv("GATEHOUSE_DATABASE_URL"); dsn != "" {
		if err := k.Set("database_url", dsn); err != nil {
			return nil, oops.Code("CONFIG_INVALID").Wrap(err)
		}
	}

	if flags != nil {
		// Flag names use dashes; config keys use underscores.
		provider := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			return strings.ReplaceAll(key, "-", "_"), value
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_INVALID").Wrap(err)
		}
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return &out, nil
}

// Validate checks the fields every long-running command needs.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("database_url must be set (flag, config file, or GATEHOUSE_DATABASE_URL)")
	}
	if c.EvaluationTimeout <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("evaluation_timeout must be positive")
	}
	return nil
}
