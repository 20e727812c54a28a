package hook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"go.uber.org/zap"
)

// fakeHost holds a lookup slot like the real host
type fakeHost struct {
	mu     sync.Mutex
	lookup LookupFunc
	sets   int
}

var _ Host = (*fakeHost)(nil)

func (h *fakeHost) ISPLookup() LookupFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookup
}

func (h *fakeHost) SetISPLookup(fn LookupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookup = fn
	h.sets++
}

type mockRegistrar struct {
	FetchAndRegisterFunc func(ctx context.Context, domain string, force bool) (bool, error)
}

func (m *mockRegistrar) FetchAndRegister(ctx context.Context, domain string, force bool) (bool, error) {
	return m.FetchAndRegisterFunc(ctx, domain, force)
}

var originalResult = &models.ISPConfig{Domain: "example.com", DisplayName: "Example"}

func originalLookup(context.Context, string) (*models.ISPConfig, error) {
	return originalResult, nil
}

func TestInterceptor_InstallIsIdempotent(t *testing.T) {
	t.Parallel()

	host := &fakeHost{lookup: originalLookup}
	i := New(host, &mockRegistrar{FetchAndRegisterFunc: func(context.Context, string, bool) (bool, error) {
		return true, nil
	}}, zap.NewNop(), time.Second)

	if !i.Install() {
		t.Fatal("Expected first install to succeed")
	}
	if i.Install() {
		t.Error("Expected second install to be refused")
	}
	if host.sets != 1 {
		t.Errorf("Expected the slot to be replaced once, got %d", host.sets)
	}
	if !i.Installed() {
		t.Error("Expected Installed to report true")
	}
}

func TestInterceptor_WrapperTriggersThenDelegates(t *testing.T) {
	t.Parallel()

	host := &fakeHost{lookup: originalLookup}
	triggered := make(chan string, 1)
	release := make(chan struct{})
	i := New(host, &mockRegistrar{FetchAndRegisterFunc: func(ctx context.Context, domain string, force bool) (bool, error) {
		if force {
			t.Error("Expected intercepted lookups not to force a refresh")
		}
		<-release
		triggered <- domain
		return true, ctx.Err()
	}}, zap.NewNop(), time.Second)
	i.Install()

	ctx, cancel := context.WithCancel(context.Background())
	result, err := host.ISPLookup()(ctx, "example.com")
	if err != nil || result != originalResult {
		t.Fatalf("Expected the original result, got %+v err=%v", result, err)
	}

	// The lookup returned before discovery finished; cancelling the caller must not abort it.
	cancel()
	close(release)
	i.Wait()

	select {
	case domain := <-triggered:
		if domain != "example.com" {
			t.Errorf("Expected trigger for example.com, got %q", domain)
		}
	default:
		t.Error("Expected discovery to be triggered")
	}
}

func TestInterceptor_TriggerFailureDoesNotAffectLookup(t *testing.T) {
	t.Parallel()

	host := &fakeHost{lookup: originalLookup}
	i := New(host, &mockRegistrar{FetchAndRegisterFunc: func(context.Context, string, bool) (bool, error) {
		return false, errors.New("registry down")
	}}, zap.NewNop(), time.Second)
	i.Install()

	result, err := host.ISPLookup()(context.Background(), "example.com")
	i.Wait()
	if err != nil || result != originalResult {
		t.Errorf("Expected the original result, got %+v err=%v", result, err)
	}
}

func TestInterceptor_UninstallRestoresOriginal(t *testing.T) {
	t.Parallel()

	var originalCalls int
	original := func(context.Context, string) (*models.ISPConfig, error) {
		originalCalls++
		return originalResult, nil
	}
	host := &fakeHost{lookup: original}
	var triggers int
	i := New(host, &mockRegistrar{FetchAndRegisterFunc: func(context.Context, string, bool) (bool, error) {
		triggers++
		return true, nil
	}}, zap.NewNop(), time.Second)

	if i.Uninstall() {
		t.Error("Expected uninstall before install to be refused")
	}

	i.Install()
	if !i.Uninstall() {
		t.Fatal("Expected uninstall to succeed")
	}
	if i.Uninstall() {
		t.Error("Expected second uninstall to be refused")
	}

	if _, err := host.ISPLookup()(context.Background(), "example.com"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	i.Wait()
	if originalCalls != 1 || triggers != 0 {
		t.Errorf("Expected the restored original to run alone, got original=%d triggers=%d", originalCalls, triggers)
	}

	if !i.Install() {
		t.Error("Expected reinstall after uninstall to succeed")
	}
}

func TestInterceptor_CapturedWrapperAfterUninstall(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		triggers int
	)
	host := &fakeHost{lookup: originalLookup}
	i := New(host, &mockRegistrar{FetchAndRegisterFunc: func(context.Context, string, bool) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		triggers++
		return true, nil
	}}, zap.NewNop(), time.Second)

	if !i.Install() {
		t.Fatal("Expected install to succeed")
	}
	captured := host.ISPLookup()
	if !i.Uninstall() {
		t.Fatal("Expected uninstall to succeed")
	}

	// Callers still holding the old wrapper race the shutdown Wait
	var callers sync.WaitGroup
	for n := 0; n < 20; n++ {
		callers.Add(1)
		go func() {
			defer callers.Done()
			result, err := captured(context.Background(), "example.com")
			if err != nil || result != originalResult {
				t.Errorf("Expected the original result, got %+v err=%v", result, err)
			}
		}()
		i.Wait()
	}
	callers.Wait()
	i.Wait()

	mu.Lock()
	defer mu.Unlock()
	if triggers != 0 {
		t.Errorf("Expected 0 discovery runs after uninstall, got %d", triggers)
	}
}

func TestInterceptor_ReinstallIgnoresOldWrapper(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		triggers int
	)
	host := &fakeHost{lookup: originalLookup}
	i := New(host, &mockRegistrar{FetchAndRegisterFunc: func(context.Context, string, bool) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		triggers++
		return true, nil
	}}, zap.NewNop(), time.Second)

	i.Install()
	old := host.ISPLookup()
	i.Uninstall()
	i.Install()

	if _, err := old(context.Background(), "example.com"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := host.ISPLookup()(context.Background(), "example.com"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	i.Uninstall()
	i.Wait()

	mu.Lock()
	defer mu.Unlock()
	if triggers != 1 {
		t.Errorf("Expected 1 discovery run from the current wrapper, got %d", triggers)
	}
}

func TestInterceptor_NoLookupToWrap(t *testing.T) {
	t.Parallel()

	i := New(&fakeHost{}, &mockRegistrar{}, zap.NewNop(), time.Second)
	if i.Install() {
		t.Error("Expected install to be refused without a host lookup")
	}
}
