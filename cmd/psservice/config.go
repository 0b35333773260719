package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/controller"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
)

// defaultDataRoot is where services keep their control pipe and
// working files unless the definition says otherwise.
const defaultDataRoot = "/var/lib/psservice"

// defaultLogRoot holds audit logs of services without a logPath.
const defaultLogRoot = "/var/log/psservice"

// HostConfig carries host-level options that are not part of any one
// service definition. Sourced from psservice.yaml (current directory
// or the user config directory) and PSSERVICE_* environment
// variables.
type HostConfig struct {
	Verbose  bool          `mapstructure:"verbose"`
	WaitHint time.Duration `mapstructure:"wait_hint"`
}

func ParseHostConfig() (HostConfig, error) {
	v := viper.New()
	v.SetConfigName("psservice")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if d, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(d, "psservice"))
	}
	v.SetEnvPrefix("PSSERVICE")
	v.AutomaticEnv()

	v.SetDefault("verbose", false)
	v.SetDefault("wait_hint", controller.DefaultWaitHint)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return HostConfig{}, fmt.Errorf("reading psservice.yaml: %w", err)
		}
	}

	var cfg HostConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return HostConfig{}, err
	}
	if cfg.WaitHint <= 0 {
		cfg.WaitHint = controller.DefaultWaitHint
	}
	return cfg, nil
}

// applyPathDefaults fills the path fields a definition may omit.
func applyPathDefaults(def *model.Definition) {
	if def.DataPath == "" {
		def.DataPath = filepath.Join(defaultDataRoot, def.Name)
	}
	if def.LogPath == "" {
		def.LogPath = defaultLogRoot
	}
}
