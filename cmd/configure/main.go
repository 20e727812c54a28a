package main

import (
	"fmt"
	"os"

	"github.com/benvon/mail-oauth-autoconfig/cmd/configure/commands"
	"github.com/spf13/cobra"
)

func main() {
	flags := &commands.GlobalFlags{}

	var rootCmd = &cobra.Command{
		Use:           "autoconfig",
		Short:         "Operator tool for the mail OAuth2 autoconfig service",
		Long:          "CLI tool for resolving mail domains, inspecting the provider cache and managing the OAuth2 provider table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "Print results as JSON")

	rootCmd.AddCommand(commands.NewCheckCmd(flags))
	rootCmd.AddCommand(commands.NewRefreshCmd(flags))
	rootCmd.AddCommand(commands.NewDetailsCmd(flags))
	rootCmd.AddCommand(commands.NewListCmd(flags))
	rootCmd.AddCommand(commands.NewClearCmd(flags))
	rootCmd.AddCommand(commands.NewScanCmd(flags))
	rootCmd.AddCommand(commands.NewISPCmd(flags))
	rootCmd.AddCommand(commands.NewRegistryCmd(flags))
	rootCmd.AddCommand(commands.NewAccountsCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
