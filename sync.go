package rentdesk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Sync Queue Flusher
// ============================================================================

const (
	DefaultFlushBatchSize = 25
	DefaultFlushInterval  = 30 * time.Second
)

// FlushOptions configures a Flusher.
type FlushOptions struct {
	// BatchSize caps how many actions one flush fetches.
	BatchSize int
	// Interval is the periodic flush period used by Run.
	Interval time.Duration
	// MaxRetries moves an action to StatusFailed once its retry count reaches
	// it. Zero retries forever.
	MaxRetries int
}

// FlushResult summarises one flush.
type FlushResult struct {
	Skipped   bool // offline, nothing attempted
	Attempted int
	Succeeded int
	Conflicts int
	Failed    int
	// Halted is set when a non-conflict failure stopped the batch.
	Halted bool
}

// Flusher replays queued mutations against the backend, strictly oldest
// first, one at a time. At most one drain runs at any moment.
type Flusher struct {
	client     *Client
	batchSize  int
	interval   time.Duration
	maxRetries int
	logger     *slog.Logger
	group      singleflight.Group
}

// Flusher creates the flusher for this client's queue.
func (c *Client) Flusher(opts *FlushOptions) *Flusher {
	f := &Flusher{
		client:    c,
		batchSize: DefaultFlushBatchSize,
		interval:  DefaultFlushInterval,
		logger:    c.logger.With("component", "flusher"),
	}
	if opts != nil {
		if opts.BatchSize > 0 {
			f.batchSize = opts.BatchSize
		}
		if opts.Interval > 0 {
			f.interval = opts.Interval
		}
		f.maxRetries = opts.MaxRetries
	}
	return f
}

// Run flushes whenever the network monitor reports a return to online and on
// every interval tick, until ctx is done.
func (f *Flusher) Run(ctx context.Context) {
	online := make(chan struct{}, 1)
	unsubscribe := f.client.network.Subscribe(func(st NetworkStatus) {
		if st.Online {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.flushLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-online:
			f.flushLogged(ctx)
		case <-ticker.C:
			f.flushLogged(ctx)
		}
	}
}

func (f *Flusher) flushLogged(ctx context.Context) {
	if _, err := f.Flush(ctx); err != nil && ctx.Err() == nil {
		f.logger.Warn("flush failed", "error", err)
	}
}

// Flush drains up to one batch. Calls made while a drain is running wait for
// it and share its result instead of starting a second one.
func (f *Flusher) Flush(ctx context.Context) (FlushResult, error) {
	if !f.client.network.IsOnline() {
		return FlushResult{Skipped: true}, nil
	}
	v, err, _ := f.group.Do("flush", func() (any, error) {
		return f.drain(ctx)
	})
	res, _ := v.(FlushResult)
	return res, err
}

func (f *Flusher) drain(ctx context.Context) (FlushResult, error) {
	var res FlushResult

	actions, err := f.client.store.ListPendingMutations(ctx, f.batchSize)
	if err != nil {
		return res, fmt.Errorf("flush: list pending: %w", err)
	}
	if len(actions) == 0 {
		return res, nil
	}

	// Token is read once per batch.
	token, err := f.client.token(ctx)
	if err != nil {
		return res, fmt.Errorf("flush: %w", err)
	}

	for _, a := range actions {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Attempted++
		outcome, err := f.replay(ctx, a, token)
		if err != nil {
			return res, err
		}
		switch outcome {
		case outcomeSuccess:
			res.Succeeded++
		case outcomeConflict:
			res.Conflicts++
		case outcomeRetry:
			res.Failed++
			res.Halted = true
		}
		if res.Halted {
			break
		}
	}

	f.logger.Info("flush complete", "attempted", res.Attempted, "succeeded", res.Succeeded,
		"conflicts", res.Conflicts, "failed", res.Failed, "halted", res.Halted)
	f.client.emit(EventSyncComplete, res)
	return res, nil
}

type replayOutcome int

const (
	outcomeSuccess replayOutcome = iota
	outcomeConflict
	outcomeRetry
)

// replay sends one action and records its outcome. The returned error is
// only for store failures, which abort the flush.
func (f *Flusher) replay(ctx context.Context, a *SyncAction, token string) (replayOutcome, error) {
	inflight := StatusInflight
	if err := f.client.store.UpdateMutation(ctx, a.ID, MutationPatch{Status: &inflight}); err != nil {
		return outcomeRetry, fmt.Errorf("flush: mark inflight %d: %w", a.ID, err)
	}
	f.client.emit(EventOutboxSending, a)

	status, body, sendErr := f.send(ctx, a, token)

	switch {
	case sendErr == nil && status >= 200 && status < 300:
		if err := f.client.store.RemoveMutation(ctx, a.ID); err != nil {
			return outcomeSuccess, fmt.Errorf("flush: remove %d: %w", a.ID, err)
		}
		f.logger.Debug("mutation synced", "id", a.ID, "mutation_id", a.MutationID, "status", status)
		f.client.emit(EventOutboxConfirmed, a)
		return outcomeSuccess, nil

	case sendErr == nil && status == http.StatusConflict:
		conflict := StatusConflict
		msg := string(body)
		if err := f.client.store.UpdateMutation(ctx, a.ID, MutationPatch{Status: &conflict, LastError: &msg}); err != nil {
			return outcomeConflict, fmt.Errorf("flush: mark conflict %d: %w", a.ID, err)
		}
		a.Status, a.LastError = conflict, &msg
		f.logger.Warn("mutation conflicts with server state", "id", a.ID, "mutation_id", a.MutationID)
		f.client.emit(EventOutboxConflict, a)
		return outcomeConflict, nil
	}

	var msg string
	if sendErr != nil {
		msg = sendErr.Error()
	} else {
		msg = (&APIError{StatusCode: status, Method: a.Method, URL: a.URL(), Body: body}).Error()
		if status == http.StatusUnauthorized {
			f.client.sessionExpired()
		}
	}
	retries := a.Retries + 1
	next := StatusError
	if f.maxRetries > 0 && retries >= f.maxRetries {
		next = StatusFailed
	}
	if err := f.client.store.UpdateMutation(ctx, a.ID, MutationPatch{Status: &next, Retries: &retries, LastError: &msg}); err != nil {
		return outcomeRetry, fmt.Errorf("flush: mark error %d: %w", a.ID, err)
	}
	a.Status, a.Retries, a.LastError = next, retries, &msg
	f.logger.Warn("mutation replay failed, halting batch", "id", a.ID, "mutation_id", a.MutationID,
		"retries", retries, "status", next, "error", msg)
	f.client.emit(EventOutboxFailed, a)
	return outcomeRetry, nil
}

func (f *Flusher) send(ctx context.Context, a *SyncAction, token string) (int, []byte, error) {
	var bodyReader io.Reader
	if len(a.Body) > 0 {
		bodyReader = bytes.NewReader(a.Body)
	}
	req, err := http.NewRequestWithContext(ctx, a.Method, a.URL(), bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range a.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	f.client.setHeaders(req.Header, a.Method, token, len(a.Body) > 0)
	req.Header.Set(HeaderMutationID, a.MutationID)
	req.Header.Set(HeaderClientTimestamp, a.CreatedAt.UTC().Format(time.RFC3339Nano))

	resp, err := f.client.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// ============================================================================
// Manual resolution
// ============================================================================

// Requeue makes a conflicted, failed or errored action eligible again with a
// fresh retry count. Its mutation id is kept.
func (f *Flusher) Requeue(ctx context.Context, id int64) error {
	a, err := f.client.store.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("queued mutation %d not found", id)
	}
	pending := StatusPending
	zero := 0
	return f.client.store.UpdateMutation(ctx, id, MutationPatch{Status: &pending, Retries: &zero, ClearError: true})
}

// Discard drops an action without sending it.
func (f *Flusher) Discard(ctx context.Context, id int64) error {
	f.logger.Info("discarding queued mutation", "id", id)
	return f.client.store.RemoveMutation(ctx, id)
}
