// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aibor/vmrecord/internal/arch"
	"github.com/aibor/vmrecord/internal/imagecache"
	"github.com/aibor/vmrecord/internal/qemu"
	"github.com/aibor/vmrecord/internal/record"
	"github.com/aibor/vmrecord/internal/staging"
)

const (
	configDirName = ".vmrecord"
	envPrefix     = "VMRECORD"

	// Environment variable of the emulator build tree, as used by the
	// emulator's own tooling.
	buildDirEnv = "PANDA_BUILD"
)

// Config is the configuration of vmrecord. It is assembled from defaults,
// the config file, VMRECORD_* environment variables and flags, in
// increasing order of precedence.
type Config struct {
	CacheDir       string        `mapstructure:"cache_dir"`
	BuildDir       string        `mapstructure:"build_dir"`
	ImageURL       string        `mapstructure:"image_url"`
	Catalog        string        `mapstructure:"catalog"`
	Packager       string        `mapstructure:"packager"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	ConsoleTimeout time.Duration `mapstructure:"console_timeout"`
	GuestTimeout   time.Duration `mapstructure:"guest_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	Jobs           int           `mapstructure:"jobs"`
}

// Executable returns the path of the emulator binary of the profile. Without
// build directory, the binary is looked up in PATH when spawned.
func (c *Config) Executable(profile arch.Profile) string {
	if c.BuildDir == "" {
		return profile.Binary
	}

	return profile.Executable(c.BuildDir)
}

func setDefaults(v *viper.Viper) error {
	cacheDir, err := imagecache.DefaultDir()
	if err != nil {
		return err
	}

	v.SetDefault("cache_dir", cacheDir)
	v.SetDefault("build_dir", "")
	v.SetDefault("image_url", imagecache.DefaultBaseURL)
	v.SetDefault("catalog", "")
	v.SetDefault("packager", staging.PackagerAuto)
	v.SetDefault("startup_timeout", qemu.DefaultStartupTimeout)
	v.SetDefault("console_timeout", staging.DefaultConsoleTimeout)
	v.SetDefault("guest_timeout", record.DefaultGuestTimeout)
	v.SetDefault("shutdown_grace", qemu.DefaultShutdownGrace)
	v.SetDefault("run_timeout", time.Duration(0))
	v.SetDefault("jobs", 1)

	return nil
}

// configFlags adds the flags for all config keys to the flag set.
func configFlags(flags *pflag.FlagSet) {
	flags.String("cache-dir", "", "directory for guest images (default ~/.panda)")
	flags.String("build-dir", "", "emulator build tree (default $PANDA_BUILD, else PATH lookup)")
	flags.String("image-url", "", "base URL guest images are downloaded from")
	flags.String("catalog", "", "YAML file with architecture profile overrides")
	flags.String("packager", "", "ISO packager: auto, tool, builtin (default auto)")
	flags.Duration("startup-timeout", 0, "timeout for the emulator to be ready")
	flags.Duration("console-timeout", 0, "timeout for staging commands in the guest")
	flags.Duration("guest-timeout", 0, "timeout for the recorded command")
	flags.Duration("shutdown-grace", 0, "time the emulator gets to exit")
	flags.Duration("run-timeout", 0, "timeout for a complete run, 0 for none")
	flags.Int("jobs", 0, "number of parallel runs in batch mode")
}

var configKeys = map[string]string{
	"cache-dir":       "cache_dir",
	"build-dir":       "build_dir",
	"image-url":       "image_url",
	"catalog":         "catalog",
	"packager":        "packager",
	"startup-timeout": "startup_timeout",
	"console-timeout": "console_timeout",
	"guest-timeout":   "guest_timeout",
	"shutdown-grace":  "shutdown_grace",
	"run-timeout":     "run_timeout",
	"jobs":            "jobs",
}

// loadConfig reads the config file, if present, and returns the [Config]
// merged from all sources. If configFile is empty, config.yaml in
// ~/.vmrecord is used if it exists.
func loadConfig(v *viper.Viper, flags *pflag.FlagSet, configFile string) (*Config, error) {
	err := setDefaults(v)
	if err != nil {
		return nil, err
	}

	for flagName, key := range configKeys {
		flag := flags.Lookup(flagName)
		if flag == nil {
			continue
		}

		err := v.BindPFlag(key, flag)
		if err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	err = v.BindEnv("build_dir", envPrefix+"_BUILD_DIR", buildDirEnv)
	if err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return nil, &UsageError{msg: "config file", err: err}
		}

		v.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}

		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(home, configDirName))
	}

	err = v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, &UsageError{msg: "read config", err: err}
		}
	}

	var cfg Config

	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, &UsageError{msg: "parse config", err: err}
	}

	for _, path := range []*string{&cfg.CacheDir, &cfg.BuildDir, &cfg.Catalog} {
		*path, err = homedir.Expand(*path)
		if err != nil {
			return nil, &UsageError{msg: "config path", err: err}
		}
	}

	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}

	return &cfg, nil
}
