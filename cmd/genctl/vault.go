package main

import (
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/genflow/internal/vault"
	"github.com/spf13/cobra"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Credential vault maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Re-encrypt legacy AES-CBC credentials under AES-256-GCM",
		Long: "Re-encrypts every credential still sealed with the legacy scheme. Records that fail\n" +
			"to decrypt are left untouched and flagged for review. Requires VAULT_LEGACY_KEY.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, st, closeDB, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			if cfg.Vault.LegacyKey == "" {
				return fmt.Errorf("VAULT_LEGACY_KEY is required for migration")
			}
			legacy, err := vault.NewLegacyCipher(cfg.Vault.LegacyKey)
			if err != nil {
				return err
			}
			c, err := vault.NewCipher(cfg.Vault.MasterKey)
			if err != nil {
				return err
			}

			report, err := vault.NewMigrator(st, legacy, c, slog.Default()).Run(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	})
	return cmd
}
