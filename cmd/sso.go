// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"github.com/spf13/cobra"
)

var ssoCmd = &cobra.Command{
	Use:   "sso",
	Short: "Resolve an account through the trusted sign-on path",
	Long: `Run a trusted sign-on for an account name as if a front-end proxy had
asserted it. No password is checked. Requires usernames.sso.enabled.`,
	Example: `  dirauth sso --account jdoe`,
	RunE:    runSSO,
}

func init() {
	rootCmd.AddCommand(ssoCmd)

	ssoCmd.Flags().String("account", "", "Account name asserted by the front end")
	ssoCmd.MarkFlagRequired("account")
}

func runSSO(cmd *cobra.Command, args []string) error {
	account, _ := cmd.Flags().GetString("account")

	ctx := cmd.Context()
	_, cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orchestrator.AuthenticateTrusted(ctx, account)
	if err != nil {
		return describeFailure(err)
	}
	return printResult(cmd.OutOrStdout(), res)
}
