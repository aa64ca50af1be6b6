package rentdesk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// StoreSuite runs the same behaviour checks against every Store implementation.
type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func (s *StoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreSuite) enqueue(method, path string) *SyncAction {
	a, err := s.store.EnqueueMutation(s.ctx, MutationInput{
		Method:  method,
		Path:    path,
		BaseURL: "https://api.rentdesk.test/api",
		Body:    json.RawMessage(`{"amount":"120.00"}`),
	})
	s.Require().NoError(err)
	s.Require().NotNil(a)
	return a
}

func (s *StoreSuite) setStatus(id int64, st SyncStatus) {
	s.Require().NoError(s.store.UpdateMutation(s.ctx, id, MutationPatch{Status: &st}))
}

func (s *StoreSuite) TestCachedResponseMissReturnsNil() {
	entry, err := s.store.GetCachedResponse(s.ctx, "https://api.rentdesk.test/api/properties/")
	s.NoError(err)
	s.Nil(entry)
}

func (s *StoreSuite) TestCachedResponseNewestWins() {
	key := "https://api.rentdesk.test/api/properties/"
	s.Require().NoError(s.store.PutCachedResponse(s.ctx, key, []byte(`[{"id":1}]`)))
	s.Require().NoError(s.store.PutCachedResponse(s.ctx, key, []byte(`[{"id":1},{"id":2}]`)))

	entry, err := s.store.GetCachedResponse(s.ctx, key)
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Equal(key, entry.Key)
	s.JSONEq(`[{"id":1},{"id":2}]`, string(entry.Payload))
	s.False(entry.UpdatedAt.IsZero())
}

func (s *StoreSuite) TestEntities() {
	got, err := s.store.GetEntity(s.ctx, "tenant", "42")
	s.NoError(err)
	s.Nil(got)

	s.Require().NoError(s.store.PutEntity(s.ctx, "tenant", "42", []byte(`{"id":42,"name":"A"}`)))
	s.Require().NoError(s.store.PutEntity(s.ctx, "tenant", "42", []byte(`{"id":42,"name":"B"}`)))
	s.Require().NoError(s.store.PutEntity(s.ctx, "unit", "42", []byte(`{"id":42,"label":"2B"}`)))

	got, err = s.store.GetEntity(s.ctx, "tenant", "42")
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.JSONEq(`{"id":42,"name":"B"}`, string(got.Payload))
	s.Equal("tenant", got.Kind)
}

func (s *StoreSuite) TestEnqueueAssignsIdentity() {
	a := s.enqueue(http.MethodPost, "/properties/expenses/")
	b := s.enqueue(http.MethodPost, "/properties/expenses/")

	s.Positive(a.ID)
	s.Greater(b.ID, a.ID)
	s.Equal(StatusPending, a.Status)
	s.Zero(a.Retries)
	s.Nil(a.LastError)
	s.False(a.CreatedAt.IsZero())

	id, err := uuid.Parse(a.MutationID)
	s.Require().NoError(err)
	s.Equal(uuid.Version(7), id.Version())
	s.NotEqual(a.MutationID, b.MutationID)
}

func (s *StoreSuite) TestEnqueueRoundTripsRequestParts() {
	in := MutationInput{
		Method:  http.MethodPatch,
		Path:    "/tenants/7/",
		BaseURL: "https://api.rentdesk.test/api",
		Header:  http.Header{"X-Request-Source": []string{"cli"}},
		Query:   url.Values{"notify": []string{"true"}},
		Body:    json.RawMessage(`{"phone":"+254700000000"}`),
	}
	a, err := s.store.EnqueueMutation(s.ctx, in)
	s.Require().NoError(err)

	got, err := s.store.GetMutation(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(a.MutationID, got.MutationID)
	s.Equal(in.Method, got.Method)
	s.Equal(in.Path, got.Path)
	s.Equal(in.BaseURL, got.BaseURL)
	s.Equal("cli", got.Header.Get("X-Request-Source"))
	s.Equal("true", got.Query.Get("notify"))
	s.JSONEq(string(in.Body), string(got.Body))
	s.Equal("https://api.rentdesk.test/api/tenants/7/?notify=true", got.URL())
}

func (s *StoreSuite) TestGetMutationUnknownReturnsNil() {
	got, err := s.store.GetMutation(s.ctx, 9999)
	s.NoError(err)
	s.Nil(got)
}

func (s *StoreSuite) TestListPendingOrderAndFilter() {
	first := s.enqueue(http.MethodPost, "/payments/")
	second := s.enqueue(http.MethodPost, "/payments/")
	third := s.enqueue(http.MethodPut, "/units/3/")
	fourth := s.enqueue(http.MethodDelete, "/units/4/")
	fifth := s.enqueue(http.MethodPost, "/invoices/")

	s.setStatus(second.ID, StatusConflict)
	s.setStatus(third.ID, StatusError)
	s.setStatus(fourth.ID, StatusInflight)
	s.setStatus(fifth.ID, StatusFailed)

	pending, err := s.store.ListPendingMutations(s.ctx, 25)
	s.Require().NoError(err)
	s.Equal([]int64{first.ID, third.ID, fourth.ID}, actionIDs(pending))

	limited, err := s.store.ListPendingMutations(s.ctx, 2)
	s.Require().NoError(err)
	s.Equal([]int64{first.ID, third.ID}, actionIDs(limited))

	n, err := s.store.CountPendingMutations(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, n)
}

func (s *StoreSuite) TestListMutationsByStatus() {
	a := s.enqueue(http.MethodPost, "/payments/")
	b := s.enqueue(http.MethodPost, "/payments/")
	s.setStatus(b.ID, StatusConflict)

	all, err := s.store.ListMutations(s.ctx)
	s.Require().NoError(err)
	s.Equal([]int64{a.ID, b.ID}, actionIDs(all))

	held, err := s.store.ListMutations(s.ctx, StatusConflict, StatusFailed)
	s.Require().NoError(err)
	s.Equal([]int64{b.ID}, actionIDs(held))
}

func (s *StoreSuite) TestUpdateMergesOnlyGivenFields() {
	a := s.enqueue(http.MethodPost, "/expenses/")

	retries := 2
	msg := "502 Bad Gateway"
	st := StatusError
	s.Require().NoError(s.store.UpdateMutation(s.ctx, a.ID, MutationPatch{Status: &st, Retries: &retries, LastError: &msg}))

	inflight := StatusInflight
	s.Require().NoError(s.store.UpdateMutation(s.ctx, a.ID, MutationPatch{Status: &inflight}))

	got, err := s.store.GetMutation(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Equal(StatusInflight, got.Status)
	s.Equal(2, got.Retries)
	s.Require().NotNil(got.LastError)
	s.Equal(msg, *got.LastError)
	s.Equal(a.MutationID, got.MutationID)
	s.Equal(a.Method, got.Method)
	s.JSONEq(string(a.Body), string(got.Body))

	s.Require().NoError(s.store.UpdateMutation(s.ctx, a.ID, MutationPatch{ClearError: true}))
	got, err = s.store.GetMutation(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Nil(got.LastError)
}

func (s *StoreSuite) TestUpdateUnknownIsNoop() {
	st := StatusError
	s.NoError(s.store.UpdateMutation(s.ctx, 424242, MutationPatch{Status: &st}))
	n, err := s.store.CountPendingMutations(s.ctx)
	s.NoError(err)
	s.Zero(n)
}

func (s *StoreSuite) TestRemoveIsIdempotent() {
	a := s.enqueue(http.MethodDelete, "/landlords/9/")
	s.Require().NoError(s.store.RemoveMutation(s.ctx, a.ID))
	s.Require().NoError(s.store.RemoveMutation(s.ctx, a.ID))

	got, err := s.store.GetMutation(s.ctx, a.ID)
	s.NoError(err)
	s.Nil(got)
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(*testing.T) Store { return NewMemoryStore() }})
}

func TestSQLiteStore(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T) Store {
		s, err := OpenSQLiteStore(":memory:")
		require.NoError(t, err)
		return s
	}})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, err := s.EnqueueMutation(ctx, MutationInput{Method: http.MethodPost, Path: "/units/", Body: json.RawMessage(`{}`)})
	require.NoError(t, err)

	a.Method = http.MethodDelete
	a.Status = StatusConflict

	got, err := s.GetMutation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, StatusPending, got.Status)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/offline.db"

	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	a, err := s.EnqueueMutation(ctx, MutationInput{Method: http.MethodPost, Path: "/payments/", BaseURL: "http://x/api"})
	require.NoError(t, err)
	require.NoError(t, s.PutCachedResponse(ctx, "http://x/api/payments/", []byte(`[]`)))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	got, err := s.GetMutation(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.MutationID, got.MutationID)

	entry, err := s.GetCachedResponse(ctx, "http://x/api/payments/")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestSQLiteStoreRejectsUnknownMethod(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.EnqueueMutation(context.Background(), MutationInput{Method: http.MethodGet, Path: "/units/"})
	assert.Error(t, err)
}

func TestOpenStoreFallsBackToDisabled(t *testing.T) {
	// A directory where the database file should be cannot be opened as SQLite.
	dir := t.TempDir()
	s := OpenStore(dir, nil)
	defer s.Close()

	_, ok := s.(disabledStore)
	require.True(t, ok, "expected disabled store, got %T", s)

	ctx := context.Background()
	a, err := s.EnqueueMutation(ctx, MutationInput{Method: http.MethodPost, Path: "/units/"})
	assert.NoError(t, err)
	assert.Nil(t, a)
	n, err := s.CountPendingMutations(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncActionURL(t *testing.T) {
	a := &SyncAction{BaseURL: "http://localhost:8000/api/", Path: "/properties/expenses/"}
	assert.Equal(t, "http://localhost:8000/api/properties/expenses/", a.URL())

	a.Query = url.Values{"b": {"2"}, "a": {"1"}}
	assert.Equal(t, "http://localhost:8000/api/properties/expenses/?a=1&b=2", a.URL())
}

func actionIDs(actions []*SyncAction) []int64 {
	ids := make([]int64, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}
