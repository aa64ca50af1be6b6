package rentdesk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ============================================================================
// Resource sub-clients
// ============================================================================

// Resource is a REST collection on the backend, e.g. /properties/.
type Resource struct {
	client *Client
	kind   string
	path   string
}

func (c *Client) newResources() {
	c.Properties = &Resource{client: c, kind: "property", path: "/properties/"}
	c.Units = &Resource{client: c, kind: "unit", path: "/units/"}
	c.Landlords = &Resource{client: c, kind: "landlord", path: "/landlords/"}
	c.Tenants = &Resource{client: c, kind: "tenant", path: "/tenants/"}
	c.Payments = &Resource{client: c, kind: "payment", path: "/payments/"}
	c.Invoices = &Resource{client: c, kind: "invoice", path: "/invoices/"}
	c.Expenses = &Resource{client: c, kind: "expense", path: "/properties/expenses/"}
	c.Communications = &Resource{client: c, kind: "communication", path: "/communications/"}
	c.SMS = &SMSClient{client: c}
	c.Reports = &ReportsClient{client: c}
}

// Kind is the entity kind used for the local entity collection.
func (r *Resource) Kind() string { return r.kind }

// Path is the collection path relative to the base URL.
func (r *Resource) Path() string { return r.path }

func (r *Resource) item(id string) string {
	return r.path + url.PathEscape(id) + "/"
}

func (r *Resource) List(ctx context.Context, query url.Values) (*Response, error) {
	return r.client.Get(ctx, r.path, query)
}

// Get fetches one record. A fresh (non-cached) response is also written to
// the local entity collection so Local can serve it later.
func (r *Resource) Get(ctx context.Context, id string) (*Response, error) {
	resp, err := r.client.Get(ctx, r.item(id), nil)
	if err != nil {
		return nil, err
	}
	if !resp.FromCache {
		if err := r.client.store.PutEntity(ctx, r.kind, id, resp.Body); err != nil {
			r.client.logger.Warn("entity write failed", "kind", r.kind, "id", id, "error", err)
		}
	}
	return resp, nil
}

// Local returns the last fetched copy of a record without touching the
// network; nil when it was never fetched.
func (r *Resource) Local(ctx context.Context, id string) (*EntityEntry, error) {
	return r.client.store.GetEntity(ctx, r.kind, id)
}

func (r *Resource) Create(ctx context.Context, body any) (*Response, error) {
	return r.client.Post(ctx, r.path, body)
}

func (r *Resource) Update(ctx context.Context, id string, body any) (*Response, error) {
	return r.client.Put(ctx, r.item(id), body)
}

func (r *Resource) Patch(ctx context.Context, id string, body any) (*Response, error) {
	return r.client.Patch(ctx, r.item(id), body)
}

func (r *Resource) Delete(ctx context.Context, id string) (*Response, error) {
	return r.client.Delete(ctx, r.item(id))
}

// ListPage fetches one page of a paginated collection and decodes its results.
func ListPage[T any](ctx context.Context, r *Resource, query url.Values) (*Page[T], error) {
	resp, err := r.List(ctx, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Page[T]](resp.Body)
}

// GetAs fetches one record and decodes it into T.
func GetAs[T any](ctx context.Context, r *Resource, id string) (*T, error) {
	resp, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](resp.Body)
}

// ============================================================================
// SMS
// ============================================================================

type SMSClient struct{ client *Client }

// Send posts a bulk SMS. While offline it is queued like any other mutation.
func (s *SMSClient) Send(ctx context.Context, msg SMSMessage) (*Response, error) {
	if len(msg.Recipients) == 0 && len(msg.TenantIDs) == 0 && msg.PropertyID == "" {
		return nil, fmt.Errorf("sms: no recipients")
	}
	if strings.TrimSpace(msg.Message) == "" {
		return nil, fmt.Errorf("sms: empty message")
	}
	return s.client.Post(ctx, "/communications/sms/send/", msg)
}

// ============================================================================
// Reports
// ============================================================================

type ReportsClient struct{ client *Client }

// Fetch reads a named report, e.g. "rent-roll" or "arrears".
func (rc *ReportsClient) Fetch(ctx context.Context, name string, query url.Values) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("reports: name is required")
	}
	resp, err := rc.client.Get(ctx, "/reports/"+url.PathEscape(name)+"/", query)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
