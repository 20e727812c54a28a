package commands

import (
	"context"
	"fmt"

	"github.com/benvon/mail-oauth-autoconfig/internal/app"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/spf13/cobra"
)

// NewScanCmd creates the scan command
func NewScanCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Register providers for every account domain",
		Long:  "Resolve the domain of every configured account identity and register its OAuth2 provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
				result, err := svc.ScanAll(ctx)
				if err != nil {
					return fmt.Errorf("scan failed after %s: %w", result.String(), err)
				}

				out := cmd.OutOrStdout()
				if flags.JSON {
					return printJSON(out, result)
				}
				fmt.Fprintf(out, "Scanned %d domains: %s", result.Total, result.String())
				if result.Failed > 0 {
					fmt.Fprintf(out, ", %d failed", result.Failed)
				}
				if result.Skipped > 0 {
					fmt.Fprintf(out, ", %d identities skipped", result.Skipped)
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}
}
