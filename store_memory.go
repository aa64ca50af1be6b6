package rentdesk

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a goroutine-safe in-memory Store. Its contents are lost when
// the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	cache    map[string]*CacheEntry
	entities map[string]*EntityEntry
	queue    map[int64]*SyncAction
	nextID   int64
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache:    make(map[string]*CacheEntry),
		entities: make(map[string]*EntityEntry),
		queue:    make(map[int64]*SyncAction),
		now:      time.Now,
	}
}

// ── HTTP cache ───────────────────────────────────────────

func (s *MemoryStore) GetCachedResponse(_ context.Context, key string) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp, nil
}

func (s *MemoryStore) PutCachedResponse(_ context.Context, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = &CacheEntry{
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		UpdatedAt: s.now(),
	}
	return nil
}

// ── Entities ─────────────────────────────────────────────

func (s *MemoryStore) GetEntity(_ context.Context, kind, id string) (*EntityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[kind+"/"+id]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp, nil
}

func (s *MemoryStore) PutEntity(_ context.Context, kind, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[kind+"/"+id] = &EntityEntry{
		Kind:      kind,
		ID:        id,
		Payload:   append([]byte(nil), payload...),
		UpdatedAt: s.now(),
	}
	return nil
}

// ── Sync queue ───────────────────────────────────────────

func (s *MemoryStore) EnqueueMutation(_ context.Context, in MutationInput) (*SyncAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := s.now()
	a := &SyncAction{
		ID:         s.nextID,
		MutationID: newMutationID(),
		Method:     in.Method,
		Path:       in.Path,
		BaseURL:    in.BaseURL,
		Header:     cloneHeader(in.Header),
		Query:      cloneValues(in.Query),
		Body:       append([]byte(nil), in.Body...),
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     StatusPending,
	}
	s.queue[a.ID] = a
	return copyAction(a), nil
}

func (s *MemoryStore) ListPendingMutations(_ context.Context, limit int) ([]*SyncAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ready []*SyncAction
	for _, a := range s.queue {
		if a.Status.eligible() {
			ready = append(ready, copyAction(a))
		}
	}
	sortActions(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *MemoryStore) ListMutations(_ context.Context, statuses ...SyncStatus) ([]*SyncAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SyncAction
	for _, a := range s.queue {
		if len(statuses) == 0 || hasStatus(statuses, a.Status) {
			out = append(out, copyAction(a))
		}
	}
	sortActions(out)
	return out, nil
}

func (s *MemoryStore) GetMutation(_ context.Context, id int64) (*SyncAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.queue[id]
	if !ok {
		return nil, nil
	}
	return copyAction(a), nil
}

func (s *MemoryStore) UpdateMutation(_ context.Context, id int64, patch MutationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.queue[id]
	if !ok {
		return nil
	}
	if patch.Status != nil {
		a.Status = *patch.Status
	}
	if patch.Retries != nil {
		a.Retries = *patch.Retries
	}
	if patch.ClearError {
		a.LastError = nil
	}
	if patch.LastError != nil {
		msg := *patch.LastError
		a.LastError = &msg
	}
	a.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) RemoveMutation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, id)
	return nil
}

func (s *MemoryStore) CountPendingMutations(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.queue {
		if a.Status.eligible() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error { return nil }

// ── helpers ──────────────────────────────────────────────

func sortActions(actions []*SyncAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}

func hasStatus(statuses []SyncStatus, s SyncStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func copyAction(a *SyncAction) *SyncAction {
	cp := *a
	cp.Header = cloneHeader(a.Header)
	cp.Query = cloneValues(a.Query)
	cp.Body = append([]byte(nil), a.Body...)
	if a.LastError != nil {
		msg := *a.LastError
		cp.LastError = &msg
	}
	return &cp
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	return h.Clone()
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
