package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/benvon/mail-oauth-autoconfig/internal/accounts"
	"github.com/benvon/mail-oauth-autoconfig/internal/app"
	"github.com/benvon/mail-oauth-autoconfig/internal/database"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/spf13/cobra"
)

// NewAccountsCmd creates the accounts command group
func NewAccountsCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage accounts stored in the database",
	}
	cmd.AddCommand(newAccountsImportCmd(flags))
	return cmd
}

func newAccountsImportCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import accounts from a YAML file into the database",
		Long:  "Upsert every account in a YAML accounts file into the database account table. Requires DATABASE_URL.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read accounts file: %w", err)
			}
			parsed, err := accounts.Parse(data)
			if err != nil {
				return err
			}
			return withService(cmd, flags, func(ctx context.Context, _ *oauthprovider.Service, c *app.Components) error {
				if c.DB == nil {
					return fmt.Errorf("DATABASE_URL is required to import accounts")
				}
				repo := database.NewAccountRepository(c.DB)
				for _, account := range parsed {
					if err := repo.UpsertAccount(ctx, account); err != nil {
						return fmt.Errorf("failed to import account %q: %w", account.ID, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d accounts\n", len(parsed))
				return nil
			})
		},
	}
}
