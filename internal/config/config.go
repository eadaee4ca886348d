// Package config provides configuration management for labkit.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all labkit configuration as read from file and environment.
type Config struct {
	// Course is the course identifier prefixed to every VM file name.
	Course string `mapstructure:"course"`

	// VMs is the list of course VM names.
	VMs []string `mapstructure:"vms"`

	// InfraVMs are foundation VMs whose master images are never deleted.
	InfraVMs []string `mapstructure:"infra_vms"`

	// Groups maps a group name to the VM names it expands to.
	Groups map[string][]string `mapstructure:"groups"`

	// BlockDir is where VM definitions, master images, overlays and
	// saves live.
	BlockDir string `mapstructure:"block_dir"`

	// CacheDir is the artifact cache root.
	CacheDir string `mapstructure:"cache_dir"`

	// MediumDir is the removable-medium mount point.
	MediumDir string `mapstructure:"medium_dir"`

	// ContentServer is the origin server address (rsync syntax for
	// remote stores, plain path for a local mirror).
	ContentServer string `mapstructure:"content_server"`

	// VMTree is the course subtree on the origin server.
	VMTree string `mapstructure:"vm_tree"`

	// LockDir is where advisory lock files are created.
	LockDir string `mapstructure:"lock_dir"`

	// StopTimeoutSec bounds the graceful-shutdown wait before a VM is
	// forcefully powered off.
	StopTimeoutSec int `mapstructure:"stop_timeout_sec"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Course:         "course",
		VMs:            []string{},
		InfraVMs:       []string{},
		Groups:         map[string][]string{},
		BlockDir:       "/var/lib/libvirt/images",
		CacheDir:       "/var/lib/labkit/cache",
		MediumDir:      "/run/media/labkit",
		ContentServer:  "",
		VMTree:         "",
		LockDir:        "/tmp",
		StopTimeoutSec: 100,
	}
}

// Load reads configuration from file, environment, and defaults, and
// returns the immutable runtime context built from it.
func Load() (*Context, error) {
	defaults := DefaultConfig()
	viper.SetDefault("course", defaults.Course)
	viper.SetDefault("vms", defaults.VMs)
	viper.SetDefault("infra_vms", defaults.InfraVMs)
	viper.SetDefault("groups", defaults.Groups)
	viper.SetDefault("block_dir", defaults.BlockDir)
	viper.SetDefault("cache_dir", defaults.CacheDir)
	viper.SetDefault("medium_dir", defaults.MediumDir)
	viper.SetDefault("content_server", defaults.ContentServer)
	viper.SetDefault("vm_tree", defaults.VMTree)
	viper.SetDefault("lock_dir", defaults.LockDir)
	viper.SetDefault("stop_timeout_sec", defaults.StopTimeoutSec)

	viper.SetConfigName("labkit")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/labkit")
	viper.AddConfigPath("$HOME/.config/labkit")
	viper.AddConfigPath(".")

	// Environment variable support: LABKIT_COURSE, LABKIT_CACHE_DIR, etc.
	viper.SetEnvPrefix("LABKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found is OK - we use defaults
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return NewContext(cfg)
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
