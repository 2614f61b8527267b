// Package store persists whole collections of records. A Save replaces
// the stored collection atomically; there are no partial writes.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/orris-inc/sshfwd/internal/forward"
)

// Keyed is a record with a stable identity.
type Keyed interface {
	Key() string
}

// Collection loads and saves an ordered set of records.
type Collection[T Keyed] interface {
	Load() ([]T, error)
	Save(items []T) error
}

// Backend names a storage implementation.
type Backend string

const (
	BackendJSON   Backend = "json"
	BackendSQLite Backend = "sqlite"
)

const (
	rulesFile     = "port-forwards.json"
	templatesFile = "port-forward-templates.json"
	databaseFile  = "sshfwd.db"

	rulesTable     = "port_forwards"
	templatesTable = "port_forward_templates"
)

// Set bundles the collections used by the forward registry.
type Set struct {
	Rules     Collection[forward.Rule]
	Templates Collection[forward.Template]

	close func() error
}

// Close releases the underlying resources.
func (s *Set) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open creates the collections of backend under dir.
func Open(backend Backend, dir string) (*Set, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	switch backend {
	case "", BackendJSON:
		return &Set{
			Rules:     NewJSONFile[forward.Rule](filepath.Join(dir, rulesFile)),
			Templates: NewJSONFile[forward.Template](filepath.Join(dir, templatesFile)),
		}, nil
	case BackendSQLite:
		db, err := OpenSQLite(filepath.Join(dir, databaseFile))
		if err != nil {
			return nil, err
		}
		rules, err := NewTable[forward.Rule](db, rulesTable)
		if err != nil {
			db.Close()
			return nil, err
		}
		templates, err := NewTable[forward.Template](db, templatesTable)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &Set{Rules: rules, Templates: templates, close: db.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
