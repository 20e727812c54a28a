package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/benvon/mail-oauth-autoconfig/internal/app"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/spf13/cobra"
)

// NewCheckCmd creates the check command
func NewCheckCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check <domain>",
		Short: "Resolve a domain's OAuth2 provider",
		Long:  "Resolve the OAuth2 provider for a mail domain, using the cache when it is fresh, and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolve(cmd, flags, args[0], false)
		},
	}
}

// NewRefreshCmd creates the refresh command
func NewRefreshCmd(flags *GlobalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "refresh <domain> | --all",
		Short: "Re-fetch a domain's autoconfig document",
		Long:  "Bypass the cache, fetch the domain's autoconfig document again and register the provider. With --all every cached domain is refreshed.",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				return refreshAll(cmd, flags)
			}
			return resolve(cmd, flags, args[0], true)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Refresh every cached domain")
	return cmd
}

func refreshAll(cmd *cobra.Command, flags *GlobalFlags) error {
	return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
		result, err := svc.RefreshAll(ctx)
		if err != nil {
			return fmt.Errorf("refresh failed after %s: %w", result.String(), err)
		}

		out := cmd.OutOrStdout()
		if flags.JSON {
			return printJSON(out, result)
		}
		fmt.Fprintf(out, "Refreshed %d cached domains: %s", result.Total, result.String())
		if result.Failed > 0 {
			fmt.Fprintf(out, ", %d failed", result.Failed)
		}
		fmt.Fprintln(out)
		return nil
	})
}

func resolve(cmd *cobra.Command, flags *GlobalFlags, arg string, force bool) error {
	domain, err := domainArg(arg)
	if err != nil {
		return err
	}
	return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
		var exists bool
		var err error
		if force {
			exists, err = svc.RefreshProvider(ctx, domain)
		} else {
			exists, err = svc.CheckIfProviderExists(ctx, domain)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", domain, err)
		}

		out := cmd.OutOrStdout()
		if flags.JSON {
			return printJSON(out, map[string]any{"domain": domain, "exists": exists})
		}
		if exists {
			fmt.Fprintf(out, "%s: OAuth2 provider registered\n", domain)
		} else {
			fmt.Fprintf(out, "%s: no OAuth2 provider found\n", domain)
		}
		return nil
	})
}

// NewDetailsCmd creates the details command
func NewDetailsCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "details <domain>",
		Short: "Show the cached provider details for a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, err := domainArg(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
				details, ok := svc.GetProviderDetails(ctx, domain)
				if !ok {
					return fmt.Errorf("no cached provider for %s", domain)
				}

				out := cmd.OutOrStdout()
				if flags.JSON {
					return printJSON(out, details)
				}
				fmt.Fprintf(out, "Domain:    %s\n", details.Domain)
				fmt.Fprintf(out, "Issuer:    %s\n", details.Issuer)
				fmt.Fprintf(out, "Hostnames: %s\n", strings.Join(details.Hostnames, ", "))
				if details.CachedAt != nil {
					fmt.Fprintf(out, "Cached at: %s\n", details.CachedAt.Format("2006-01-02 15:04:05 MST"))
				}
				fmt.Fprintf(out, "Stale:     %t\n", details.IsStale)
				return nil
			})
		},
	}
}

// NewISPCmd creates the isp command
func NewISPCmd(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "isp <domain>",
		Short: "Look up a domain's mail server settings",
		Long:  "Look up a domain's incoming and outgoing mail server settings through the ISP database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, err := domainArg(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, flags, func(ctx context.Context, svc *oauthprovider.Service, _ *app.Components) error {
				isp, err := svc.LookupISP(ctx, domain)
				if err != nil {
					return fmt.Errorf("failed to look up %s: %w", domain, err)
				}

				out := cmd.OutOrStdout()
				if flags.JSON {
					return printJSON(out, isp)
				}
				fmt.Fprintf(out, "%s (%s)\n", isp.DisplayName, isp.ProviderID)
				for _, s := range isp.Incoming {
					fmt.Fprintf(out, "  incoming %-5s %s:%d %s\n", s.Type, s.Hostname, s.Port, s.SocketType)
				}
				for _, s := range isp.Outgoing {
					fmt.Fprintf(out, "  outgoing %-5s %s:%d %s\n", s.Type, s.Hostname, s.Port, s.SocketType)
				}
				return nil
			})
		},
	}
}
