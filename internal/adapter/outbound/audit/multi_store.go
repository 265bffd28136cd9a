package audit

import (
	"context"
	"errors"

	"github.com/mcpgate/gateway/internal/domain/audit"
)

// MultiStore fans Append/Flush/Close out to every wrapped audit.AuditStore,
// used to mirror the same event stream into both the JSON-Lines file store
// and the SQLite append-only store.
type MultiStore struct {
	stores []audit.AuditStore
}

// NewMultiStore wraps the given stores. A nil store in the slice is skipped.
func NewMultiStore(stores ...audit.AuditStore) *MultiStore {
	filtered := make([]audit.AuditStore, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiStore{stores: filtered}
}

// Append writes records to every wrapped store, collecting any errors.
func (m *MultiStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Append(ctx, records...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every wrapped store.
func (m *MultiStore) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every wrapped store.
func (m *MultiStore) Close() error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ audit.AuditStore = (*MultiStore)(nil)
