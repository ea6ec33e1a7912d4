// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmd implements the dirauth command line.
package cmd

import (
	"github.com/LeeDigitalWorks/dirauth/pkg/logger"
	"github.com/LeeDigitalWorks/dirauth/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dirauth",
	Short: "dirauth - directory-backed login resolution",
	Long: `dirauth resolves login identifiers against an LDAP directory, verifies
secrets by binding as the resolved entry, applies login rules and keeps a
local identity store in step with the directory.`,
	PersistentPreRun: initializeLogging,
	SilenceUsage:     true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (debug, info, warn, error, fatal)")
}

// initializeLogging applies --log_level only when it was given, so the
// LOG_LEVEL environment variable keeps its effect otherwise.
func initializeLogging(cmd *cobra.Command, args []string) {
	if !cmd.Flags().Changed("log_level") {
		return
	}
	name, _ := cmd.Flags().GetString("log_level")
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		logger.Warn().Str("log_level", name).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	logger.SetLevel(level)
}

// Execute runs the root command. Cobra has already printed the error when
// one is returned.
func Execute() error {
	return rootCmd.Execute()
}
