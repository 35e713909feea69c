// Command genctl is the operator CLI: offline pricing, credential
// re-encryption, ledger reconciliation and bootstrap credentials.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "genctl",
		Short:        "Operate a genflow deployment",
		SilenceUsage: true,
	}
	root.AddCommand(
		newEstimateCmd(),
		newVaultCmd(),
		newLedgerCmd(),
		newTokenCmd(),
		newAPIKeyCmd(),
	)
	return root
}

// openStore loads the server configuration and connects to its database.
func openStore(ctx context.Context) (*config.Config, *store.PostgresStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, store.NewPostgresStore(pool), pool.Close, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
