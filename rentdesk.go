// Package rentdesk is the Go SDK for the rentdesk property-management API.
//
// Every call goes through Client.Do, which keeps working when the backend is
// unreachable: GET responses are cached locally and served while offline,
// and mutations issued while offline are queued and replayed by a Flusher
// once connectivity returns.
//
// Example:
//
//	store := rentdesk.OpenStore("/var/lib/rentdesk/offline.db", nil)
//	client := rentdesk.NewClient(
//		rentdesk.WithEnvironment(rentdesk.Production),
//		rentdesk.WithSession(rentdesk.StaticToken(token)),
//		rentdesk.WithStore(store),
//	)
//	defer client.Close()
//
//	flusher := client.Flusher(nil)
//	go flusher.Run(ctx)
//
//	resp, err := client.Expenses.Create(ctx, map[string]any{"amount": "120.00"})
//	if err == nil && resp.Queued {
//		// saved locally, will sync later
//	}
package rentdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

var environments = map[Environment]string{
	Development: "http://localhost:8000/api",
	Production:  "https://api.rentdesk.app/api",
}

const (
	DefaultBaseURL = "http://localhost:8000/api"
	DefaultTimeout = 15 * time.Second
)

const (
	HeaderCSRF            = "X-CSRFToken"
	HeaderMutationID      = "X-Mutation-Id"
	HeaderClientTimestamp = "X-Client-Timestamp"

	csrfCookieName = "csrftoken"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	emitter

	baseURL    string
	apiPrefix  string
	httpClient *http.Client
	store      Store
	network    *NetworkMonitor
	session    Session
	logger     *slog.Logger

	onSessionExpired func()
	sessionOnce      sync.Once
	unsubscribe      func()

	Properties     *Resource
	Units          *Resource
	Landlords      *Resource
	Tenants        *Resource
	Payments       *Resource
	Invoices       *Resource
	Expenses       *Resource
	Communications *Resource
	SMS            *SMSClient
	Reports        *ReportsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithStore sets the local store. Without it the client keeps its cache and
// queue in memory for the life of the process.
func WithStore(store Store) ClientOption {
	return func(c *Client) { c.store = store }
}

func WithNetworkMonitor(m *NetworkMonitor) ClientOption {
	return func(c *Client) { c.network = m }
}

func WithSession(s Session) ClientOption {
	return func(c *Client) { c.session = s }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithSessionExpiredHandler sets the callback run the first time the backend
// rejects the session. It runs at most once per Client.
func WithSessionExpiredHandler(fn func()) ClientOption {
	return func(c *Client) { c.onSessionExpired = fn }
}

// WithAPIPrefix restricts offline queuing to paths under prefix (default "/").
func WithAPIPrefix(prefix string) ClientOption {
	return func(c *Client) { c.apiPrefix = "/" + strings.Trim(prefix, "/") }
}

// NewClient creates a new rentdesk client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		emitter:   newEmitter(),
		baseURL:   DefaultBaseURL,
		apiPrefix: "/",
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient.Jar == nil {
		jar, _ := cookiejar.New(nil)
		c.httpClient.Jar = jar
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.network == nil {
		c.network = NewNetworkMonitor(true)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.unsubscribe = c.network.Subscribe(func(st NetworkStatus) {
		if st.Online {
			c.emit(EventNetworkOnline, st)
		} else {
			c.emit(EventNetworkOffline, st)
		}
	})

	c.newResources()
	return c
}

// Close detaches from the network monitor, drops event handlers and closes the store.
func (c *Client) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.removeAll()
	return c.store.Close()
}

func (c *Client) BaseURL() string           { return c.baseURL }
func (c *Client) Store() Store              { return c.store }
func (c *Client) Network() *NetworkMonitor { return c.network }

// PendingCount is the number of queued mutations not yet synced.
func (c *Client) PendingCount(ctx context.Context) int {
	n, err := c.store.CountPendingMutations(ctx)
	if err != nil {
		c.logger.Warn("count pending mutations failed", "error", err)
		return 0
	}
	return n
}

// ============================================================================
// Request pipeline
// ============================================================================

func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path, Query: query})
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPut, Path: path, Body: body})
}

func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body})
}

func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodDelete, Path: path})
}

// Do sends req. Application errors come back as *APIError; connectivity
// failures are absorbed by the cache (GET) or the sync queue (mutations
// while offline) when possible and returned otherwise.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	t, err := c.target(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.full, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	c.setHeaders(httpReq.Header, method, token, body != nil)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.fallback(ctx, method, t, req.Header, body, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if method == http.MethodGet {
			if err := c.store.PutCachedResponse(ctx, CacheKey(t.full), data); err != nil {
				c.logger.Warn("response cache write failed", "url", t.full, "error", err)
			}
		}
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Method: method, URL: t.full, Body: data}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		c.sessionExpired()
	case http.StatusForbidden:
		c.emit(EventPermissionDenied, apiErr)
	}
	return nil, apiErr
}

// fallback handles a request that got no response at all.
func (c *Client) fallback(ctx context.Context, method string, t target, header http.Header, body []byte, cause error) (*Response, error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, cause
	}
	offline := !c.network.IsOnline()
	if !offline && !isNetworkError(cause) {
		return nil, cause
	}

	if method == http.MethodGet {
		entry, err := c.store.GetCachedResponse(ctx, CacheKey(t.full))
		if err != nil {
			c.logger.Warn("response cache read failed", "url", t.full, "error", err)
		}
		if entry == nil {
			return nil, fmt.Errorf("%w: %w", ErrOffline, cause)
		}
		c.logger.Debug("serving cached response", "url", t.full, "cached_at", entry.UpdatedAt)
		return &Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       entry.Payload,
			FromCache:  true,
			CachedAt:   entry.UpdatedAt,
		}, nil
	}

	if !isMutating(method) || !offline || !t.inNamespace {
		return nil, cause
	}

	captured := cloneHeader(header)
	if captured != nil {
		captured.Del("Authorization")
		captured.Del(HeaderCSRF)
	}
	action, err := c.store.EnqueueMutation(ctx, MutationInput{
		Method:  method,
		Path:    t.path,
		BaseURL: c.baseURL,
		Header:  captured,
		Query:   t.query,
		Body:    body,
	})
	if err != nil || action == nil {
		c.logger.Warn("could not queue offline mutation", "method", method, "url", t.full, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrOffline, cause)
	}

	c.logger.Info("mutation queued for sync", "id", action.ID, "mutation_id", action.MutationID,
		"method", method, "path", t.path)
	c.emit(EventOutboxQueued, action)

	ack, _ := json.Marshal(QueuedAck{Queued: true, MutationID: action.MutationID, QueueID: action.ID})
	return &Response{
		StatusCode: http.StatusAccepted,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       ack,
		Queued:     true,
		QueueID:    action.ID,
		MutationID: action.MutationID,
	}, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.session == nil {
		return "", nil
	}
	token, err := c.session.Token(ctx)
	if errors.Is(err, ErrSessionExpired) {
		c.sessionExpired()
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if err != nil {
		return "", fmt.Errorf("session token: %w", err)
	}
	return token, nil
}

func (c *Client) setHeaders(h http.Header, method, token string, hasBody bool) {
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if isMutating(method) {
		if csrf := c.csrfToken(); csrf != "" {
			h.Set(HeaderCSRF, csrf)
		}
	}
}

// csrfToken reads the anti-forgery cookie the backend set on the jar.
func (c *Client) csrfToken() string {
	if c.httpClient.Jar == nil {
		return ""
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	for _, ck := range c.httpClient.Jar.Cookies(u) {
		if ck.Name == csrfCookieName {
			return ck.Value
		}
	}
	return ""
}

// sessionExpired fires the sign-out flow once, however many requests 401.
func (c *Client) sessionExpired() {
	c.sessionOnce.Do(func() {
		c.logger.Warn("session rejected by backend, sign-in required")
		c.emit(EventSessionExpired, nil)
		if c.onSessionExpired != nil {
			c.onSessionExpired()
		}
	})
}

// ============================================================================
// URL handling
// ============================================================================

type target struct {
	full        string
	path        string // relative to baseURL, without query
	query       url.Values
	inNamespace bool
}

func (c *Client) target(path string, query url.Values) (target, error) {
	var raw string
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		raw = path
	} else {
		raw = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fmt.Errorf("invalid request url %q: %w", raw, err)
	}

	q := u.Query()
	for k, vals := range query {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	if len(q) == 0 {
		q = nil
	}

	t := target{full: u.String(), query: q}
	noQuery := *u
	noQuery.RawQuery = ""
	base := noQuery.String()
	if rel, ok := strings.CutPrefix(base, c.baseURL); ok && (rel == "" || strings.HasPrefix(rel, "/")) {
		t.path = rel
		prefix := strings.TrimRight(c.apiPrefix, "/")
		t.inNamespace = rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}
	return t, nil
}

// CacheKey canonicalises a request URI: scheme, host and path lower-cased,
// query parameters sorted by key and value.
func CacheKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(rawURL)
	}
	q := u.Query()
	for k := range q {
		sort.Strings(q[k])
	}
	key := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.ToLower(u.EscapedPath())
	if enc := q.Encode(); enc != "" {
		key += "?" + enc
	}
	return key
}

// ============================================================================
// Helpers
// ============================================================================

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// isNetworkError reports whether err means the backend was never reached,
// as opposed to the caller giving up.
func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// *url.Error satisfies net.Error itself, so look at what it wraps.
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return b, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
