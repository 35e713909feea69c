package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "User bearer tokens",
	}

	var (
		userID string
		ttl    time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a user token with JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("--user must be a UUID: %w", err)
			}
			auth := config.AuthConfig{JWTSecret: os.Getenv("JWT_SECRET"), JWTIssuer: os.Getenv("JWT_ISSUER")}
			if auth.JWTIssuer == "" {
				auth.JWTIssuer = "genflow"
			}
			token, err := mw.IssueToken(auth, id, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "user id")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("user")

	cmd.AddCommand(issue)
	return cmd
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Operator API keys",
	}

	var (
		name   string
		scopes []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an operator API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			key, raw, err := mw.NewAPIKey(name, scopes)
			if err != nil {
				return err
			}
			if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("store api key: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":     key.ID,
				"name":   key.Name,
				"key":    raw,
				"scopes": key.Scopes,
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	create.Flags().StringSliceVar(&scopes, "scope", []string{"admin"}, "scopes granted to the key")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}
