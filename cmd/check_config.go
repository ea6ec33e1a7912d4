// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/LeeDigitalWorks/dirauth/pkg/config"

	"github.com/spf13/cobra"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print a summary",
	Long: `Load dirauth configuration from file and environment, resolve secret
references and validate the [auth] section. Every problem found is
reported, not just the first. Secrets are never printed.`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), cfg)
	return nil
}

func printSummary(w io.Writer, cfg *config.Config) {
	conn := cfg.ActiveConnection()
	fmt.Fprintln(w, "configuration OK")
	fmt.Fprintf(w, "  connection:     %s (%s, base %s)\n", cfg.Connection, conn.URL, conn.BaseDN)
	fmt.Fprintf(w, "  provider:       %s\n", cfg.Provider)
	fmt.Fprintf(w, "  scopes:         %s\n", strings.Join(cfg.Scopes, ", "))
	fmt.Fprintf(w, "  rules:          %s\n", strings.Join(cfg.Rules, ", "))
	fmt.Fprintf(w, "  discover:       %s\n", cfg.Usernames.Directory.Discover)
	fmt.Fprintf(w, "  authenticate:   %s\n", cfg.Usernames.Directory.Authenticate)
	fmt.Fprintf(w, "  local key:      %s (from %s)\n", cfg.Usernames.Local, cfg.KeyAttribute())
	if cfg.Usernames.SSO.Enabled {
		fmt.Fprintf(w, "  sso:            %s via %s\n", cfg.Usernames.SSO.Discover, cfg.Usernames.SSO.HeaderKey)
		if len(cfg.Usernames.SSO.TrustedProxies) == 0 {
			fmt.Fprintln(w, "  sso peers:      any (set trusted_proxies)")
		} else {
			fmt.Fprintf(w, "  sso peers:      %s\n", strings.Join(cfg.Usernames.SSO.TrustedProxies, ", "))
		}
	} else {
		fmt.Fprintln(w, "  sso:            disabled")
	}
	if cfg.UsesDatabase() {
		fmt.Fprintf(w, "  store:          %s\n", cfg.Database.Driver)
		fmt.Fprintf(w, "  password sync:  %t\n", cfg.Passwords.Sync)
		fmt.Fprintf(w, "  fallback:       %t\n", cfg.FallbackEnabled())
	}
	if cfg.RateLimit.Enabled {
		fmt.Fprintf(w, "  rate limit:     %s, %.2f/s burst %d\n", cfg.RateLimit.Backend, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	} else {
		fmt.Fprintln(w, "  rate limit:     disabled")
	}
}
