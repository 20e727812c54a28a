package accounts

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces bursts of writes from editors and atomic renames
const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc is called with the accounts that were created or updated
type ChangeFunc func(ctx context.Context, events []models.AccountEvent)

// Watcher reloads the accounts file when it changes and reports created or updated accounts
type Watcher struct {
	source   *FileSource
	path     string
	onChange ChangeFunc
	debounce time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	known []models.Account

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher watches the directory holding source's file so atomic replacements are seen
func NewWatcher(source *FileSource, onChange ChangeFunc, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}

	absPath, err := filepath.Abs(source.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch accounts directory: %w", err)
	}

	w := &Watcher{
		source:   source,
		path:     absPath,
		onChange: onChange,
		debounce: debounce,
		logger:   log,
		watcher:  fsw,
		stopCh:   make(chan struct{}),
	}

	// A missing or broken file at startup just means every account is new later.
	if accounts, err := source.ListAccounts(context.Background()); err == nil {
		w.known = accounts
	}
	return w, nil
}

// Start begins watching; onChange runs on the watcher goroutine with ctx
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("accounts_watcher_started", zap.String("file", w.path))
}

// Stop ends the watch loop, waiting for a running onChange to return
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("accounts_file_event", zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("accounts_watcher_error", zap.Error(err))

		case <-timerC:
			timerC = nil
			w.reload(ctx)

		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload(ctx context.Context) {
	accounts, err := w.source.ListAccounts(ctx)
	if err != nil {
		w.logger.Warn("accounts_reload_failed", zap.Error(err))
		return
	}

	events := Diff(w.known, accounts)
	w.known = accounts
	if len(events) == 0 {
		w.logger.Debug("accounts_unchanged")
		return
	}

	w.logger.Info("accounts_changed", zap.Int("events", len(events)))
	w.onChange(ctx, events)
}
