package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/infigaming-com/go-realtime/auth"
	"github.com/infigaming-com/go-realtime/config"
)

// newTokenCommand signs a token with the configured secret, for local
// testing against a running gateway.
func newTokenCommand() *cobra.Command {
	var (
		subject  string
		kind     string
		websites []string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			k := auth.Kind(kind)
			if !k.Valid() {
				return fmt.Errorf("--kind must be %s or %s", auth.KindVisitor, auth.KindOperator)
			}
			if subject == "" {
				return errors.New("--sub is required")
			}
			var jwtOpts []auth.JWTOption
			if cfg.Auth.Issuer != "" {
				jwtOpts = append(jwtOpts, auth.WithIssuer(cfg.Auth.Issuer))
			}
			a, err := auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), jwtOpts...)
			if err != nil {
				return err
			}
			tok, err := a.Issue(auth.Principal{ID: subject, Kind: k, WebsiteIDs: websites}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "principal id")
	cmd.Flags().StringVar(&kind, "kind", string(auth.KindVisitor), "principal kind (visitor or operator)")
	cmd.Flags().StringSliceVar(&websites, "website", nil, "website id in scope, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
