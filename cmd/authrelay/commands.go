package main

import (
	"fmt"
	"time"

	"github.com/dpup/authrelay"
	"github.com/dpup/authrelay/provider"
	"github.com/dpup/authrelay/token"
	"github.com/spf13/cobra"
)

func (o *rootOptions) loadConfig() (*authrelay.Config, error) {
	var opts []authrelay.ConfigOption
	if o.configFile != "" {
		opts = append(opts, authrelay.WithConfigFile(o.configFile))
	}
	return authrelay.LoadConfig(opts...)
}

func (o *rootOptions) signer(cfg *authrelay.Config) (*token.Signer, error) {
	return token.NewSigner(cfg.Auth.SigningKey, token.WithIssuer(cfg.Auth.Issuer))
}

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay's HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			s, err := authrelay.New(cfg, authrelay.WithContext(cmd.Context()))
			if err != nil {
				return err
			}
			return s.Start()
		},
	}
}

func newIssueCmd(root *rootOptions) *cobra.Command {
	var (
		ttl    time.Duration
		record bool
	)
	cmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Mint a session token for a subject",
		Long: `Mint a session token for a subject without a provider login.

With --record the session is also written to the configured store, so the token
passes stateful session checks and replaces any existing session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.Auth.Expiration = ttl
			}

			if !record {
				signer, err := root.signer(cfg)
				if err != nil {
					return err
				}
				tok, err := signer.Issue(args[0], cfg.Auth.Expiration)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok.Raw)
				return nil
			}

			s, err := authrelay.New(cfg, authrelay.WithContext(cmd.Context()))
			if err != nil {
				return err
			}
			defer s.Shutdown(cmd.Context())
			res, err := s.Relay().HandleCallback(cmd.Context(), provider.Identity{
				ExternalID: args[0],
				Provider:   "cli",
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.expiration)")
	cmd.Flags().BoolVar(&record, "record", false, "write the session to the configured store")
	return cmd
}

func newVerifyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Check a session token's signature and expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			signer, err := root.signer(cfg)
			if err != nil {
				return err
			}
			claims, err := signer.Parse(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "subject:    %s\n", claims.Subject)
			fmt.Fprintf(out, "issued at:  %s\n", claims.IssuedAt.UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "expires at: %s\n", claims.ExpiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
}
