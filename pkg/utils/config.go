// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var (
	ConfigurationFileDirectory string
)

// ResolvePath expands a leading ~ to the user's home directory.
func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// LoadConfiguration merges the named config file into v. The search path is
// the configured directory, the working directory, then the per-user and
// system locations. Returns false when no file was loaded and the file is
// optional.
func LoadConfiguration(v *viper.Viper, configFileName string, required bool) (bool, error) {
	v.SetConfigName(configFileName)
	if ConfigurationFileDirectory != "" {
		v.AddConfigPath(ResolvePath(ConfigurationFileDirectory))
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.dirauth")
	v.AddConfigPath("/usr/local/etc/dirauth/")
	v.AddConfigPath("/etc/dirauth/")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if required {
				return false, err
			}
			log.Info().Msgf("config file not found: %s", configFileName)
			return false, nil
		}
		return false, err
	}
	log.Info().Msgf("loaded config file: %s", v.ConfigFileUsed())

	return true, nil
}
