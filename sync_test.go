package rentdesk

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type replayed struct {
	Method     string
	Path       string
	RawQuery   string
	Body       string
	Auth       string
	CSRF       string
	MutationID string
	ClientTime string
	Source     string
}

// recorder captures every request the backend sees and answers with the
// status chosen by respond.
type recorder struct {
	mu       sync.Mutex
	requests []replayed
	respond  func(n int, r *http.Request) (int, string)
}

func (rec *recorder) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	rec.mu.Lock()
	rec.requests = append(rec.requests, replayed{
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Body:       string(body),
		Auth:       r.Header.Get("Authorization"),
		CSRF:       r.Header.Get(HeaderCSRF),
		MutationID: r.Header.Get(HeaderMutationID),
		ClientTime: r.Header.Get(HeaderClientTimestamp),
		Source:     r.Header.Get("X-Request-Source"),
	})
	n := len(rec.requests)
	rec.mu.Unlock()

	status, resp := http.StatusOK, `{}`
	if rec.respond != nil {
		status, resp = rec.respond(n, r)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, resp)
}

func (rec *recorder) seen() []replayed {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]replayed(nil), rec.requests...)
}

// flakyTransport fails every round trip with connection refused while down.
type flakyTransport struct {
	down atomic.Bool
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return http.DefaultTransport.RoundTrip(r)
}

func enqueueAt(t *testing.T, s Store, base, method, path, body string) *SyncAction {
	t.Helper()
	a, err := s.EnqueueMutation(context.Background(), MutationInput{
		Method:  method,
		Path:    path,
		BaseURL: base,
		Body:    json.RawMessage(body),
	})
	require.NoError(t, err)
	return a
}

func statusOf(t *testing.T, s Store, id int64) *SyncAction {
	t.Helper()
	a, err := s.GetMutation(context.Background(), id)
	require.NoError(t, err)
	return a
}

// ============================================================================
// Scenarios
// ============================================================================

func TestFlush_OfflineWriteThenReplay(t *testing.T) {
	rec := &recorder{}
	b := newBackend(t, rec.handler)
	transport := &flakyTransport{}
	token := "tok-at-enqueue"
	session := SessionFunc(func(context.Context) (string, error) { return token, nil })

	c, store := newTestClient(t, b.apiURL(),
		WithHTTPClient(&http.Client{Transport: transport, Timeout: 2 * time.Second}),
		WithSession(session))
	ctx := context.Background()

	transport.down.Store(true)
	c.Network().SetOnline(false)

	resp, err := c.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/properties/expenses/",
		Query:  url.Values{"notify": {"1"}},
		Body:   map[string]any{"amount": "120.00"},
		Header: http.Header{"X-Request-Source": {"front-desk"}},
	})
	require.NoError(t, err)
	require.True(t, resp.Queued)
	assert.Empty(t, rec.seen())

	queued := statusOf(t, store, resp.QueueID)
	require.NotNil(t, queued)

	transport.down.Store(false)
	c.Network().SetOnline(true)
	token = "tok-at-replay"

	res, err := c.Flusher(nil).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Attempted: 1, Succeeded: 1}, res)

	reqs := rec.seen()
	require.Len(t, reqs, 1)
	got := reqs[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/properties/expenses/", got.Path)
	assert.Equal(t, "notify=1", got.RawQuery)
	assert.JSONEq(t, `{"amount":"120.00"}`, got.Body)
	assert.Equal(t, "Bearer tok-at-replay", got.Auth)
	assert.Equal(t, "front-desk", got.Source)
	assert.Equal(t, resp.MutationID, got.MutationID)

	sent, err := time.Parse(time.RFC3339Nano, got.ClientTime)
	require.NoError(t, err)
	assert.True(t, sent.Equal(queued.CreatedAt))

	assert.Nil(t, statusOf(t, store, resp.QueueID))
	assert.Zero(t, c.PendingCount(ctx))
}

func TestFlush_ReplaysInCreationOrder(t *testing.T) {
	rec := &recorder{}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())

	enqueueAt(t, store, b.apiURL(), http.MethodPost, "/tenants/", `{"n":1}`)
	enqueueAt(t, store, b.apiURL(), http.MethodPatch, "/tenants/1/", `{"n":2}`)
	enqueueAt(t, store, b.apiURL(), http.MethodDelete, "/units/9/", ``)

	res, err := c.Flusher(nil).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)

	reqs := rec.seen()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"POST", "PATCH", "DELETE"}, []string{reqs[0].Method, reqs[1].Method, reqs[2].Method})
	assert.Empty(t, reqs[2].Body)
}

func TestFlush_ConflictIsRecordedAndBatchContinues(t *testing.T) {
	rec := &recorder{respond: func(n int, r *http.Request) (int, string) {
		if n == 2 {
			return http.StatusConflict, `{"detail":"invoice already paid"}`
		}
		return http.StatusCreated, `{}`
	}}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())

	var conflicts atomic.Int32
	c.On(EventOutboxConflict, func(string, any) { conflicts.Add(1) })

	a1 := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/payments/", `{"n":1}`)
	a2 := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/payments/", `{"n":2}`)
	a3 := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/payments/", `{"n":3}`)

	res, err := c.Flusher(nil).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Attempted: 3, Succeeded: 2, Conflicts: 1}, res)

	assert.Nil(t, statusOf(t, store, a1.ID))
	assert.Nil(t, statusOf(t, store, a3.ID))

	held := statusOf(t, store, a2.ID)
	require.NotNil(t, held)
	assert.Equal(t, StatusConflict, held.Status)
	require.NotNil(t, held.LastError)
	assert.JSONEq(t, `{"detail":"invoice already paid"}`, *held.LastError)
	assert.Equal(t, int32(1), conflicts.Load())

	// Conflicts stay out of later flushes.
	res, err = c.Flusher(nil).Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Len(t, rec.seen(), 3)
}

func TestFlush_FailureHaltsBatchAndRetriesFirst(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	rec := &recorder{respond: func(n int, r *http.Request) (int, string) {
		if n == 2 && failing.Load() {
			return http.StatusInternalServerError, `server error`
		}
		return http.StatusOK, `{}`
	}}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())
	ctx := context.Background()

	a1 := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/invoices/", `{"n":1}`)
	a2 := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/invoices/", `{"n":2}`)
	a3 := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/invoices/", `{"n":3}`)

	res, err := c.Flusher(nil).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Attempted: 2, Succeeded: 1, Failed: 1, Halted: true}, res)

	assert.Nil(t, statusOf(t, store, a1.ID))
	failed := statusOf(t, store, a2.ID)
	assert.Equal(t, StatusError, failed.Status)
	assert.Equal(t, 1, failed.Retries)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "500")
	assert.Equal(t, StatusPending, statusOf(t, store, a3.ID).Status)

	failing.Store(false)
	res, err = c.Flusher(nil).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	reqs := rec.seen()
	require.Len(t, reqs, 4)
	assert.JSONEq(t, `{"n":2}`, reqs[2].Body, "the failed action goes first on the next flush")
	assert.JSONEq(t, `{"n":3}`, reqs[3].Body)
	assert.Zero(t, c.PendingCount(ctx))
}

func TestFlush_TransportErrorIsRecorded(t *testing.T) {
	base := deadURL(t)
	c, store := newTestClient(t, base)
	a := enqueueAt(t, store, base, http.MethodPut, "/units/4/", `{}`)

	res, err := c.Flusher(nil).Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Halted)

	got := statusOf(t, store, a.ID)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, 1, got.Retries)
	require.NotNil(t, got.LastError)
	assert.NotEmpty(t, *got.LastError)
}

func TestFlush_SkipsWhileOffline(t *testing.T) {
	rec := &recorder{}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())
	enqueueAt(t, store, b.apiURL(), http.MethodPost, "/units/", `{}`)
	c.Network().SetOnline(false)

	res, err := c.Flusher(nil).Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, rec.seen())
	assert.Equal(t, 1, c.PendingCount(context.Background()))
}

func TestFlush_SingleDrainAtATime(t *testing.T) {
	release := make(chan struct{})
	var inHandler atomic.Int32
	var maxConcurrent atomic.Int32
	rec := &recorder{respond: func(n int, r *http.Request) (int, string) {
		cur := inHandler.Add(1)
		defer inHandler.Add(-1)
		if cur > maxConcurrent.Load() {
			maxConcurrent.Store(cur)
		}
		if n == 1 {
			<-release
		}
		return http.StatusOK, `{}`
	}}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())
	f := c.Flusher(nil)

	for i := 0; i < 3; i++ {
		enqueueAt(t, store, b.apiURL(), http.MethodPost, "/payments/", `{}`)
	}

	var wg sync.WaitGroup
	results := make([]FlushResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.Flush(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Len(t, rec.seen(), 3, "each action is sent exactly once")
	assert.Equal(t, int32(1), maxConcurrent.Load())
	assert.Zero(t, c.PendingCount(context.Background()))
}

func TestFlush_RecoversInflightActions(t *testing.T) {
	rec := &recorder{}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())
	a := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/expenses/", `{}`)

	inflight := StatusInflight
	require.NoError(t, store.UpdateMutation(context.Background(), a.ID, MutationPatch{Status: &inflight}))

	res, err := c.Flusher(nil).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Nil(t, statusOf(t, store, a.ID))
}

func TestFlush_BatchSizeCapsWork(t *testing.T) {
	rec := &recorder{}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())
	for i := 0; i < 5; i++ {
		enqueueAt(t, store, b.apiURL(), http.MethodPost, "/units/", `{}`)
	}

	res, err := c.Flusher(&FlushOptions{BatchSize: 2}).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 3, c.PendingCount(context.Background()))
}

func TestFlush_MaxRetriesDeadLetters(t *testing.T) {
	rec := &recorder{respond: func(int, *http.Request) (int, string) {
		return http.StatusBadGateway, `bad gateway`
	}}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())
	a := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/units/", `{}`)
	f := c.Flusher(&FlushOptions{MaxRetries: 2})
	ctx := context.Background()

	_, err := f.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusError, statusOf(t, store, a.ID).Status)

	_, err = f.Flush(ctx)
	require.NoError(t, err)
	got := statusOf(t, store, a.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.Retries)
	assert.Zero(t, c.PendingCount(ctx))

	res, err := f.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Len(t, rec.seen(), 2)
}

func TestFlush_UnauthorizedReplayFiresSessionHandler(t *testing.T) {
	rec := &recorder{respond: func(int, *http.Request) (int, string) {
		return http.StatusUnauthorized, `{"detail":"token expired"}`
	}}
	b := newBackend(t, rec.handler)
	var calls atomic.Int32
	c, store := newTestClient(t, b.apiURL(), WithSessionExpiredHandler(func() { calls.Add(1) }))
	a := enqueueAt(t, store, b.apiURL(), http.MethodPost, "/units/", `{}`)

	res, err := c.Flusher(nil).Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Halted)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StatusError, statusOf(t, store, a.ID).Status)
}

func TestFlush_ForwardsCSRFCookie(t *testing.T) {
	rec := &recorder{}
	b := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "csrf-9", Path: "/"})
			w.WriteHeader(http.StatusOK)
			return
		}
		rec.handler(w, r)
	})
	c, store := newTestClient(t, b.apiURL())
	_, err := c.Get(context.Background(), "/auth/csrf/", nil)
	require.NoError(t, err)

	enqueueAt(t, store, b.apiURL(), http.MethodPost, "/units/", `{}`)
	_, err = c.Flusher(nil).Flush(context.Background())
	require.NoError(t, err)

	reqs := rec.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "csrf-9", reqs[0].CSRF)
}

func TestFlusher_RunFlushesOnReconnect(t *testing.T) {
	rec := &recorder{}
	b := newBackend(t, rec.handler)
	c, store := newTestClient(t, b.apiURL())
	c.Network().SetOnline(false)
	enqueueAt(t, store, b.apiURL(), http.MethodPost, "/units/", `{}`)

	var completes atomic.Int32
	c.On(EventSyncComplete, func(string, any) { completes.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Flusher(&FlushOptions{Interval: time.Hour}).Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.seen())

	c.Network().SetOnline(true)
	require.Eventually(t, func() bool { return completes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.seen(), 1)
	assert.Zero(t, c.PendingCount(context.Background()))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ============================================================================
// Manual resolution
// ============================================================================

func TestFlusher_RequeueAndDiscard(t *testing.T) {
	c, store := newTestClient(t, deadURL(t))
	ctx := context.Background()
	f := c.Flusher(nil)

	a := enqueueAt(t, store, "http://unused/api", http.MethodPost, "/units/", `{}`)
	b := enqueueAt(t, store, "http://unused/api", http.MethodPost, "/units/", `{}`)

	conflict, retries, msg := StatusConflict, 4, "stale"
	require.NoError(t, store.UpdateMutation(ctx, a.ID, MutationPatch{Status: &conflict, Retries: &retries, LastError: &msg}))

	require.NoError(t, f.Requeue(ctx, a.ID))
	got := statusOf(t, store, a.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Retries)
	assert.Nil(t, got.LastError)
	assert.Equal(t, a.MutationID, got.MutationID)

	require.NoError(t, f.Discard(ctx, b.ID))
	assert.Nil(t, statusOf(t, store, b.ID))

	assert.Error(t, f.Requeue(ctx, 9999))
}
