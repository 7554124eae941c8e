package main

import (
	"fmt"
	"time"

	"chatsync/internal/config"
	"chatsync/pkg/chat"

	"github.com/spf13/cobra"
)

type tokenOptions struct {
	userID string
	ttl    time.Duration
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	topts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a user token with the configured API secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			token, err := signUserToken(cfg.Client.APISecret, cfg.Client.UserID, topts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&topts.userID, "user", "", "User to sign for (defaults to client.user_id)")
	cmd.Flags().DurationVar(&topts.ttl, "ttl", 0, "Token lifetime; zero signs a development token without expiry")
	return cmd
}

func signUserToken(secret, defaultUser string, topts *tokenOptions) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("client.api_secret is not configured")
	}
	user := topts.userID
	if user == "" {
		user = defaultUser
	}
	if topts.ttl > 0 {
		return chat.Token(user, secret, topts.ttl)
	}
	return chat.DevToken(user, secret)
}
