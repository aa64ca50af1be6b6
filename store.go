package rentdesk

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// ============================================================================
// Store
// ============================================================================

// Store is the local persistence the offline layer runs on. It holds three
// collections: the HTTP response cache, a generic entity cache and the
// mutation sync queue. Every method is independently atomic.
type Store interface {
	// GetCachedResponse returns nil, nil on a miss.
	GetCachedResponse(ctx context.Context, key string) (*CacheEntry, error)
	PutCachedResponse(ctx context.Context, key string, payload []byte) error

	GetEntity(ctx context.Context, kind, id string) (*EntityEntry, error)
	PutEntity(ctx context.Context, kind, id string, payload []byte) error

	EnqueueMutation(ctx context.Context, in MutationInput) (*SyncAction, error)
	// ListPendingMutations returns pending, error and inflight actions, oldest first.
	ListPendingMutations(ctx context.Context, limit int) ([]*SyncAction, error)
	// ListMutations returns actions in the given statuses (all when empty), oldest first.
	ListMutations(ctx context.Context, statuses ...SyncStatus) ([]*SyncAction, error)
	GetMutation(ctx context.Context, id int64) (*SyncAction, error)
	// UpdateMutation is a no-op when id does not exist.
	UpdateMutation(ctx context.Context, id int64, patch MutationPatch) error
	// RemoveMutation is a no-op when id does not exist.
	RemoveMutation(ctx context.Context, id int64) error
	CountPendingMutations(ctx context.Context) (int, error)

	Close() error
}

// OpenStore opens the SQLite store at path. If the file cannot be opened the
// failure is logged and a disabled store is returned, so callers never have
// to special-case missing storage.
func OpenStore(path string, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := OpenSQLiteStore(path)
	if err != nil {
		logger.Warn("local store unavailable, offline support disabled", "path", path, "error", err)
		return DisabledStore()
	}
	return s
}

// newMutationID returns the idempotency token forwarded on every replay.
func newMutationID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// ============================================================================
// Disabled store
// ============================================================================

type disabledStore struct{}

// DisabledStore returns a Store whose operations are all no-ops.
func DisabledStore() Store { return disabledStore{} }

func (disabledStore) GetCachedResponse(context.Context, string) (*CacheEntry, error) {
	return nil, nil
}
func (disabledStore) PutCachedResponse(context.Context, string, []byte) error { return nil }
func (disabledStore) GetEntity(context.Context, string, string) (*EntityEntry, error) {
	return nil, nil
}
func (disabledStore) PutEntity(context.Context, string, string, []byte) error { return nil }
func (disabledStore) EnqueueMutation(context.Context, MutationInput) (*SyncAction, error) {
	return nil, nil
}
func (disabledStore) ListPendingMutations(context.Context, int) ([]*SyncAction, error) {
	return nil, nil
}
func (disabledStore) ListMutations(context.Context, ...SyncStatus) ([]*SyncAction, error) {
	return nil, nil
}
func (disabledStore) GetMutation(context.Context, int64) (*SyncAction, error) { return nil, nil }
func (disabledStore) UpdateMutation(context.Context, int64, MutationPatch) error {
	return nil
}
func (disabledStore) RemoveMutation(context.Context, int64) error      { return nil }
func (disabledStore) CountPendingMutations(context.Context) (int, error) { return 0, nil }
func (disabledStore) Close() error                                     { return nil }
