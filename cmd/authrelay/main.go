// Command authrelay runs the login relay and provides operator tools for
// session tokens.
package main

import (
	"os"

	"github.com/dpup/authrelay/errors"
	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	exitError       = 1
	exitConfigError = 2
	exitInvalid     = 3
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "authrelay",
		Short: "Relay OAuth2 logins into signed session tokens",
		Long: `authrelay completes OAuth2 logins with an identity provider, mints a signed
session token for the user and records it in a shared session store.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file (default is authrelay.yaml in the working directory or a parent)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newIssueCmd(opts))
	cmd.AddCommand(newVerifyCmd(opts))
	return cmd
}

func exitCode(err error) int {
	switch errors.Reason(err, "") {
	case "config_error":
		return exitConfigError
	case "expired", "invalid_token":
		return exitInvalid
	}
	return exitError
}
