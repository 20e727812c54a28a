// Package commands implements the autoconfig operator CLI. Every command builds
// the same pipeline as the server, minus the job queue, so results land in the
// shared cache and provider table.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/benvon/mail-oauth-autoconfig/internal/app"
	"github.com/benvon/mail-oauth-autoconfig/internal/config"
	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/services/oauthprovider"
	"github.com/benvon/mail-oauth-autoconfig/internal/validation"
	"github.com/spf13/cobra"
)

// GlobalFlags are shared by every command
type GlobalFlags struct {
	Debug bool
	JSON  bool
}

// runFunc receives a ready service and its components
type runFunc func(ctx context.Context, svc *oauthprovider.Service, c *app.Components) error

// withService loads configuration, assembles the pipeline and runs fn. The
// context is cancelled on SIGINT or SIGTERM.
func withService(cmd *cobra.Command, flags *GlobalFlags, fn runFunc) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewDevelopmentLogger(flags.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync(log) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := app.Build(ctx, cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer components.Close()

	svc := components.Service(false)
	defer svc.Close()

	return fn(ctx, svc, components)
}

// domainArg lower-cases and validates a domain argument
func domainArg(arg string) (string, error) {
	return validation.NormalizeDomain(arg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
