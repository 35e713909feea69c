package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/spf13/cobra"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Credit ledger maintenance",
	}

	var userID string
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare a user's balance with the sum of their transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(userID)
			if err != nil {
				return fmt.Errorf("--user must be a UUID: %w", err)
			}
			_, st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			rec, err := ledger.New(st).Reconcile(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
				return err
			}
			if !rec.Balanced {
				return fmt.Errorf("ledger drift of %d credits for user %s", rec.Drift, id)
			}
			return nil
		},
	}
	reconcile.Flags().StringVar(&userID, "user", "", "user id")
	_ = reconcile.MarkFlagRequired("user")

	cmd.AddCommand(reconcile)
	return cmd
}
