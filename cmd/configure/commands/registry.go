package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/benvon/mail-oauth-autoconfig/internal/app"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/spf13/cobra"
)

// NewRegistryCmd creates the registry command group
func NewRegistryCmd(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the OAuth2 provider table",
	}
	cmd.AddCommand(newRegistryListCmd(flags))
	cmd.AddCommand(newRegistryShowCmd(flags))
	cmd.AddCommand(newRegistryRemoveCmd(flags))
	return cmd
}

func newRegistryListCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
				entries, err := svc.RegistryEntries(ctx)
				if err != nil {
					return fmt.Errorf("failed to list providers: %w", err)
				}

				out := cmd.OutOrStdout()
				if flags.JSON {
					return printJSON(out, map[string]any{"providers": entries})
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, "No providers registered")
					return nil
				}
				for _, e := range entries {
					printEntry(cmd, e)
				}
				return nil
			})
		},
	}
}

func newRegistryShowCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <issuer>",
		Short: "Show one registered provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
				entry, ok, err := svc.RegistryEntry(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to look up provider: %w", err)
				}
				if !ok {
					return fmt.Errorf("no provider registered for issuer %q", args[0])
				}
				if flags.JSON {
					return printJSON(cmd.OutOrStdout(), entry)
				}
				printEntry(cmd, entry)
				return nil
			})
		},
	}
}

func newRegistryRemoveCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <issuer>",
		Short: "Remove a registered provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, flags, func(ctx context.Context, _ *oauthprovider.Service, c *app.Components) error {
				if err := c.Registry.Unregister(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to remove provider: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func printEntry(cmd *cobra.Command, e *models.ProviderEntry) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  - Issuer: %s\n", e.Issuer)
	fmt.Fprintf(out, "    Client ID: %s\n", e.ClientID)
	fmt.Fprintf(out, "    Auth URL: %s\n", e.AuthURL)
	fmt.Fprintf(out, "    Token URL: %s\n", e.TokenURL)
	fmt.Fprintf(out, "    Redirect URI: %s\n", e.RedirectURI)
	fmt.Fprintf(out, "    PKCE: %t\n", e.UsePKCE)
	fmt.Fprintf(out, "    Scope: %s\n", e.Scope)
	fmt.Fprintf(out, "    Hostnames: %s\n", strings.Join(e.Hostnames, ", "))
	fmt.Fprintln(out)
}
