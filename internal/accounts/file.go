// Package accounts reads the mail accounts known to the host from a YAML file
// and reports changes to it.
package accounts

import (
	"context"
	"fmt"
	"os"

	"github.com/benvon/mail-oauth-autoconfig/internal/models"
	"gopkg.in/yaml.v3"
)

type accountsFile struct {
	Accounts []models.Account `yaml:"accounts"`
}

// FileSource lists accounts from a YAML file of the form
//
//	accounts:
//	  - id: work
//	    name: Work
//	    identities:
//	      - email: me@example.com
//
// The file is re-read on every call.
type FileSource struct {
	path string
}

// NewFileSource creates a source for path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the file the source reads
func (s *FileSource) Path() string {
	return s.path
}

// ListAccounts implements scanner.AccountSource
func (s *FileSource) ListAccounts(_ context.Context) ([]models.Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return Parse(data)
}

// Parse decodes an accounts document
func Parse(data []byte) ([]models.Account, error) {
	var doc accountsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	if doc.Accounts == nil {
		return []models.Account{}, nil
	}
	return doc.Accounts, nil
}

// StaticSource serves a fixed account list
type StaticSource []models.Account

// ListAccounts implements scanner.AccountSource
func (s StaticSource) ListAccounts(context.Context) ([]models.Account, error) {
	return s, nil
}

// Diff reports accounts in next that are new or whose identities changed since prev
func Diff(prev, next []models.Account) []models.AccountEvent {
	before := make(map[string]models.Account, len(prev))
	for _, a := range prev {
		before[a.ID] = a
	}

	var events []models.AccountEvent
	for _, a := range next {
		old, ok := before[a.ID]
		switch {
		case !ok:
			events = append(events, models.AccountEvent{AccountID: a.ID, Type: models.AccountEventCreated})
		case !sameIdentities(old.Identities, a.Identities):
			events = append(events, models.AccountEvent{AccountID: a.ID, Type: models.AccountEventUpdated})
		}
	}
	return events
}

func sameIdentities(a, b []models.Identity) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Email != b[i].Email {
			return false
		}
	}
	return true
}
