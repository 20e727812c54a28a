// Package hook decorates the host's ISP config lookup so every native lookup also
// feeds the provider discovery pipeline.
package hook

import (
	"context"
	"sync"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/logger"
	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"go.uber.org/zap"
)

// DefaultTriggerTimeout bounds one discovery run started by an intercepted lookup
const DefaultTriggerTimeout = 30 * time.Second

// LookupFunc is the host's native ISP config lookup
type LookupFunc func(ctx context.Context, domain string) (*models.ISPConfig, error)

// Host exposes the swappable lookup slot
type Host interface {
	ISPLookup() LookupFunc
	SetISPLookup(LookupFunc)
}

// Registrar is started for every intercepted domain
type Registrar interface {
	FetchAndRegister(ctx context.Context, domain string, forceRefresh bool) (bool, error)
}

// Interceptor installs and removes the decorating lookup
type Interceptor struct {
	host      Host
	registrar Registrar
	logger    *zap.Logger
	timeout   time.Duration

	mu         sync.Mutex
	original   LookupFunc
	installed  bool
	generation uint64

	wg sync.WaitGroup
}

// New creates an Interceptor; it does nothing until Install
func New(host Host, registrar Registrar, log *zap.Logger, timeout time.Duration) *Interceptor {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTriggerTimeout
	}
	return &Interceptor{
		host:      host,
		registrar: registrar,
		logger:    log,
		timeout:   timeout,
	}
}

// Install wraps the host's current lookup. It returns false when already
// installed or when the host has no lookup to wrap.
func (i *Interceptor) Install() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.installed {
		return false
	}
	original := i.host.ISPLookup()
	if original == nil {
		i.logger.Warn("isp_lookup_hook_skipped", zap.String("reason", "host has no lookup"))
		return false
	}

	i.original = original
	i.generation++
	i.host.SetISPLookup(i.wrap(original, i.generation))
	i.installed = true
	i.logger.Info("isp_lookup_hook_installed")
	return true
}

// Uninstall puts the saved original lookup back. It returns false when not installed.
func (i *Interceptor) Uninstall() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.installed {
		return false
	}
	i.host.SetISPLookup(i.original)
	i.original = nil
	i.installed = false
	i.logger.Info("isp_lookup_hook_removed")
	return true
}

// Installed reports whether the wrapper is in place
func (i *Interceptor) Installed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.installed
}

// Wait blocks until every discovery run started by the wrapper has finished.
// Call it after Uninstall so no new run can start while waiting.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

// track registers a discovery run for the wrapper of the given install. A
// wrapper held past its Uninstall still delegates but starts nothing.
func (i *Interceptor) track(generation uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.installed || i.generation != generation {
		return false
	}
	i.wg.Add(1)
	return true
}

func (i *Interceptor) wrap(original LookupFunc, generation uint64) LookupFunc {
	return func(ctx context.Context, domain string) (*models.ISPConfig, error) {
		if !i.track(generation) {
			i.logger.Debug("isp_lookup_hook_stale", zap.String("domain", logger.SanitizeDomain(domain)))
			return original(ctx, domain)
		}
		i.logger.Debug("isp_lookup_intercepted", zap.String("domain", logger.SanitizeDomain(domain)))

		// The lookup result never waits on discovery, and discovery outlives the caller.
		triggerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
		go func() {
			defer i.wg.Done()
			defer cancel()
			if _, err := i.registrar.FetchAndRegister(triggerCtx, domain, false); err != nil {
				i.logger.Warn("intercepted_discovery_failed",
					zap.String("domain", logger.SanitizeDomain(domain)),
					zap.Error(err),
				)
			}
		}()

		return original(ctx, domain)
	}
}
