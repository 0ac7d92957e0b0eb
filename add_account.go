package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caltube/caltube/internal/config"
	"github.com/caltube/caltube/internal/store"
)

func newAddAccountCmd() *cobra.Command {
	var (
		email        string
		userEmail    string
		userName     string
		googleID     string
		refreshToken string
		accessToken  string
	)

	cmd := &cobra.Command{
		Use:   "add-account",
		Short: "Link a Google account so its calendar can be registered for sync",
		Long: "Stores a Google identity and its OAuth tokens. The owning user is " +
			"looked up by email and created when missing, so a second account for " +
			"the same person links to the same user. The access token is refreshed " +
			"on first use, only the refresh token has to be valid.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := buildLogger()

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()

			if userEmail == "" {
				userEmail = email
			}

			user, err := st.GetUserByEmail(ctx, userEmail)
			if errors.Is(err, store.ErrNotFound) {
				user, err = st.CreateUser(ctx, userEmail, userName)
			}
			if err != nil {
				return fmt.Errorf("resolving user %s: %w", userEmail, err)
			}

			account, err := st.CreateAccount(ctx, &store.Account{
				UserID:       user.ID,
				GoogleID:     googleID,
				Email:        email,
				AccessToken:  accessToken,
				RefreshToken: refreshToken,
				// Expired on arrival: the token manager refreshes lazily.
				TokenExpiresAt: time.Now(),
			})
			if err != nil {
				return fmt.Errorf("linking account %s: %w", email, err)
			}

			logger.Info("account linked",
				"account_id", account.ID,
				"user_id", user.ID,
				"email", email,
			)

			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Google account email")
	cmd.Flags().StringVar(&userEmail, "user-email", "", "owning user's email (defaults to --email)")
	cmd.Flags().StringVar(&userName, "user-name", "", "owning user's display name")
	cmd.Flags().StringVar(&googleID, "google-id", "", "Google subject id of the account")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "OAuth access token, optional")

	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("google-id")
	_ = cmd.MarkFlagRequired("refresh-token")

	return cmd
}
