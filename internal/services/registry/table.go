package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
)

// Table is the shared OAuth2 provider table, keyed by issuer
type Table interface {
	Lookup(ctx context.Context, issuer string) (*models.ProviderEntry, bool, error)
	Register(ctx context.Context, entry *models.ProviderEntry) error
	Unregister(ctx context.Context, issuer string) error
}

// Replacer is implemented by tables that can swap an issuer's entry atomically
type Replacer interface {
	Replace(ctx context.Context, entry *models.ProviderEntry) error
}

// Lister is implemented by tables that can enumerate their entries
type Lister interface {
	List(ctx context.Context) ([]*models.ProviderEntry, error)
}

var (
	_ Table    = (*MemoryTable)(nil)
	_ Replacer = (*MemoryTable)(nil)
	_ Lister   = (*MemoryTable)(nil)
)

// MemoryTable is an in-process provider table. Entries are copied on the way in and out.
type MemoryTable struct {
	mu      sync.RWMutex
	entries map[string]*models.ProviderEntry
}

// NewMemoryTable creates an empty table
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{entries: make(map[string]*models.ProviderEntry)}
}

// Lookup implements Table
func (t *MemoryTable) Lookup(_ context.Context, issuer string) (*models.ProviderEntry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[issuer]
	return entry.Clone(), ok, nil
}

// Register implements Table. Registering an issuer that is present fails.
func (t *MemoryTable) Register(_ context.Context, entry *models.ProviderEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[entry.Issuer]; exists {
		return ErrAlreadyRegistered
	}
	t.entries[entry.Issuer] = entry.Clone()
	return nil
}

// Unregister implements Table
func (t *MemoryTable) Unregister(_ context.Context, issuer string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, issuer)
	return nil
}

// Replace implements Replacer under a single write lock
func (t *MemoryTable) Replace(_ context.Context, entry *models.ProviderEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entry.Issuer] = entry.Clone()
	return nil
}

// List implements Lister, ordered by issuer
func (t *MemoryTable) List(_ context.Context) ([]*models.ProviderEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*models.ProviderEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issuer < out[j].Issuer })
	return out, nil
}

// Len returns the number of registered issuers
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
