package rentdesk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthorized matches any 401 returned by the backend.
	ErrUnauthorized = errors.New("rentdesk: authentication rejected")
	// ErrForbidden matches any 403 returned by the backend.
	ErrForbidden = errors.New("rentdesk: permission denied")
	// ErrConflict matches any 409 returned by the backend.
	ErrConflict = errors.New("rentdesk: version conflict")
	// ErrSessionExpired is returned by a Session whose token is past its expiry.
	ErrSessionExpired = errors.New("rentdesk: session expired")
	// ErrOffline is returned when a request could not reach the backend and
	// no cached or queued substitute exists.
	ErrOffline = errors.New("rentdesk: offline")
)

// APIError is a non-2xx response from a reachable backend.
type APIError struct {
	StatusCode int
	Method     string
	URL        string
	Body       json.RawMessage
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, msg)
}

// Is lets errors.Is match an APIError against the status sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Decode unmarshals the error body, e.g. a field validation map.
func (e *APIError) Decode(v any) error {
	return json.Unmarshal(e.Body, v)
}

// ============================================================================
// Request / Response
// ============================================================================

// Request describes one call through the Client.
type Request struct {
	Method string
	// Path is relative to the client's base URL, e.g. "/properties/".
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
}

// Response is the result of Client.Do. Cache-served and queued responses are
// indistinguishable from live ones except for FromCache / Queued.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage

	FromCache bool
	CachedAt  time.Time

	Queued     bool
	QueueID    int64
	MutationID string
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// QueuedAck is the body of the synthetic 202 returned for a queued mutation.
type QueuedAck struct {
	Queued     bool   `json:"queued"`
	MutationID string `json:"mutationId"`
	QueueID    int64  `json:"queueId"`
}

// ============================================================================
// Local store types
// ============================================================================

// CacheEntry is the last successful GET payload for a canonical URI.
type CacheEntry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// EntityEntry is one record of the generic entity collection.
type EntityEntry struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SyncStatus is the state of a queued mutation.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusInflight SyncStatus = "inflight"
	StatusError    SyncStatus = "error"
	StatusConflict SyncStatus = "conflict"
	// StatusFailed is the dead-letter state, only reached when a retry cap is set.
	StatusFailed SyncStatus = "failed"
)

// eligibleStatuses are picked up by a flush. inflight is included so an
// action interrupted by a crash is retried instead of stuck.
var eligibleStatuses = []SyncStatus{StatusPending, StatusError, StatusInflight}

func (s SyncStatus) eligible() bool {
	for _, e := range eligibleStatuses {
		if s == e {
			return true
		}
	}
	return false
}

// MutationInput is what the interceptor captures for a request it could not send.
type MutationInput struct {
	Method  string
	Path    string
	BaseURL string
	Header  http.Header
	Query   url.Values
	Body    json.RawMessage
}

// SyncAction is a persisted mutation awaiting replay. Method, Path, BaseURL,
// Header, Query and Body never change after creation.
type SyncAction struct {
	ID         int64           `json:"id"`
	MutationID string          `json:"mutationId"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	BaseURL    string          `json:"baseUrl"`
	Header     http.Header     `json:"headers,omitempty"`
	Query      url.Values      `json:"params,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Retries    int             `json:"retries"`
	LastError  *string         `json:"lastError"`
	Status     SyncStatus      `json:"status"`
}

// URL resolves the absolute target of the action.
func (a *SyncAction) URL() string {
	u := strings.TrimRight(a.BaseURL, "/") + "/" + strings.TrimLeft(a.Path, "/")
	if len(a.Query) > 0 {
		u += "?" + a.Query.Encode()
	}
	return u
}

// MutationPatch is a partial update. Nil fields are left untouched.
type MutationPatch struct {
	Status    *SyncStatus
	Retries   *int
	LastError *string
	// ClearError resets LastError to null.
	ClearError bool
}

// ============================================================================
// Domain payloads
// ============================================================================

// SMSMessage is the payload of an outbound SMS.
type SMSMessage struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	TenantIDs  []string `json:"tenant_ids,omitempty"`
	PropertyID string   `json:"property_id,omitempty"`
}

// Page is the paginated list envelope returned by list endpoints.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}
