package commands

import (
	"context"
	"fmt"

	"github.com/benvon/mail-oauth-autoconfig/internal/app"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/spf13/cobra"
)

// NewListCmd creates the list command
func NewListCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
				domains := svc.GetCachedDomains(ctx)

				out := cmd.OutOrStdout()
				if flags.JSON {
					return printJSON(out, map[string]any{"domains": domains})
				}
				if len(domains) == 0 {
					fmt.Fprintln(out, "No cached domains")
					return nil
				}
				for _, d := range domains {
					fmt.Fprintln(out, d)
				}
				return nil
			})
		},
	}
}

// NewClearCmd creates the clear command
func NewClearCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [domain]",
		Short: "Clear cached provider configurations",
		Long:  "Clear one domain's cached provider configuration, or every cached entry when no domain is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := ""
			if len(args) == 1 {
				var err error
				if domain, err = domainArg(args[0]); err != nil {
					return err
				}
			}
			return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
				if err := svc.ClearCache(ctx, domain); err != nil {
					return fmt.Errorf("failed to clear cache: %w", err)
				}
				if domain == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cleared all cached domains")
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", domain)
				}
				return nil
			})
		},
	}
}
