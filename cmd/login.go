// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/LeeDigitalWorks/dirauth/pkg/auth"
	"github.com/LeeDigitalWorks/dirauth/pkg/directory"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate one identifier against the configured directory",
	Long: `Run a single login attempt through the full flow (lookup, bind, rules,
reconciliation) and print the outcome. The password is read from the first
line of standard input.

Unlike the HTTP API, the failure reason is printed, so operators can tell a
missing entry from a wrong password or a rule denial.`,
	Example: `  echo "$PASSWORD" | dirauth login --identifier jdoe@example.com --password-stdin`,
	RunE:    runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)

	f := loginCmd.Flags()
	f.String("identifier", "", "Login identifier (email or account name)")
	f.Bool("password-stdin", false, "Read the password from standard input")
	loginCmd.MarkFlagRequired("identifier")
}

// loginOutput is what login and sso print on success.
type loginOutput struct {
	Method     string            `json:"method"`
	Principal  string            `json:"principal,omitempty"`
	IdentityID string            `json:"identity_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`

	// Attributes is what the directory returned for the principal.
	Attributes map[string][]string `json:"attributes,omitempty"`
}

func runLogin(cmd *cobra.Command, args []string) error {
	identifier, _ := cmd.Flags().GetString("identifier")
	fromStdin, _ := cmd.Flags().GetBool("password-stdin")
	if !fromStdin {
		return errors.New("a password is required: pipe it in with --password-stdin")
	}
	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}

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

	res, err := a.orchestrator.Authenticate(ctx, identifier, password)
	if err != nil {
		return describeFailure(err)
	}
	return printResult(cmd.OutOrStdout(), res)
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printResult(w io.Writer, res *auth.Result) error {
	out := loginOutput{Method: string(res.Method)}
	if res.Principal != nil {
		out.Principal = res.Principal.DN
		out.Attributes = res.Principal.Attributes()
	}
	if res.Identity != nil {
		out.IdentityID = res.Identity.ID
		out.Fields = res.Identity.Fields
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// describeFailure turns an orchestrator error into an operator-facing
// message that keeps the reason.
func describeFailure(err error) error {
	var limited *auth.RateLimitedError
	switch {
	case errors.As(err, &limited):
		return fmt.Errorf("rate limited, retry after %s", limited.RetryAfter)
	case errors.Is(err, auth.ErrAuthenticationFailed):
		fe := &auth.FailureError{}
		if errors.As(err, &fe) && fe.Detail != "" {
			return fmt.Errorf("authentication failed: %s (%s)", fe.Reason, fe.Detail)
		}
		return fmt.Errorf("authentication failed: %s", auth.FailureReason(err))
	case errors.Is(err, directory.ErrUnavailable):
		return fmt.Errorf("directory unavailable: %w", err)
	default:
		return err
	}
}
