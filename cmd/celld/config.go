//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"celld/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "127.0.0.1:8600"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultCgroupRoot      = "/sys/fs/cgroup/celld"
	defaultGracePeriod     = 10 * time.Second
)

// ServerConfig holds introspection HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// CellsConfig holds cell runtime settings.
type CellsConfig struct {
	CgroupRoot      string        `yaml:"cgroupRoot"`
	GracePeriod     time.Duration `yaml:"gracePeriod"`
	LogBufferBytes  int           `yaml:"logBufferBytes"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// AppConfig holds celld config.
type AppConfig struct {
	Server ServerConfig  `yaml:"server"`
	Logger logger.Config `yaml:"logger"`
	Cells  CellsConfig   `yaml:"cells"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Cells.CgroupRoot == "" {
		cfg.Cells.CgroupRoot = defaultCgroupRoot
	}
	if cfg.Cells.GracePeriod == 0 {
		cfg.Cells.GracePeriod = defaultGracePeriod
	}
	if cfg.Cells.ShutdownTimeout == 0 {
		cfg.Cells.ShutdownTimeout = defaultShutdownTimeout
	}
	return &cfg, nil
}
