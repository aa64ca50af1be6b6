package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	rentdesk "github.com/rentdesk/sdk-go"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	apiQuery []string

	showLocal bool

	smsTo       []string
	smsTenants  []string
	smsProperty string
	smsMessage  string
)

// ============================================================================
// Raw requests
// ============================================================================

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "GET a path relative to the base URL",
	Long:  "Send a GET request. When the backend is unreachable the last cached response is printed instead.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := parseQuery(apiQuery)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, client *rentdesk.Client) (*rentdesk.Response, error) {
			return client.Get(ctx, args[0], query)
		})
	},
}

func mutateCmd(method string) *cobra.Command {
	use := strings.ToLower(method) + " <path> <json|@file|->"
	nargs := 2
	if method == "DELETE" {
		use = "delete <path>"
		nargs = 1
	}
	return &cobra.Command{
		Use:   use,
		Short: method + " a path relative to the base URL",
		Long:  "Send a " + method + " request. While offline the request is queued and replayed by 'rentdesk sync'.",
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if nargs == 2 {
				raw, err := readBody(args[1])
				if err != nil {
					return err
				}
				body = raw
			}
			return withClient(cmd, func(ctx context.Context, client *rentdesk.Client) (*rentdesk.Response, error) {
				return client.Do(ctx, &rentdesk.Request{Method: method, Path: args[0], Body: body})
			})
		},
	}
}

// ============================================================================
// Resources
// ============================================================================

func resourceByName(client *rentdesk.Client, name string) (*rentdesk.Resource, error) {
	resources := map[string]*rentdesk.Resource{
		"properties":     client.Properties,
		"units":          client.Units,
		"landlords":      client.Landlords,
		"tenants":        client.Tenants,
		"payments":       client.Payments,
		"invoices":       client.Invoices,
		"expenses":       client.Expenses,
		"communications": client.Communications,
	}
	if r, ok := resources[name]; ok {
		return r, nil
	}
	names := make([]string, 0, len(resources))
	for n := range resources {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("unknown resource %q (valid: %s)", name, strings.Join(names, ", "))
}

var listCmd = &cobra.Command{
	Use:   "list <resource>",
	Short: "List a resource collection, e.g. 'rentdesk list tenants'",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := parseQuery(apiQuery)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, client *rentdesk.Client) (*rentdesk.Response, error) {
			r, err := resourceByName(client, args[0])
			if err != nil {
				return nil, err
			}
			return r.List(ctx, query)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <resource> <id>",
	Short: "Show one record; --local reads the stored copy without the network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !showLocal {
			return withClient(cmd, func(ctx context.Context, client *rentdesk.Client) (*rentdesk.Response, error) {
				r, err := resourceByName(client, args[0])
				if err != nil {
					return nil, err
				}
				return r.Get(ctx, args[1])
			})
		}

		client, err := offlineClient()
		if err != nil {
			return err
		}
		defer client.Close()
		r, err := resourceByName(client, args[0])
		if err != nil {
			return err
		}
		entry, err := r.Local(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("no local copy of %s %s", r.Kind(), args[1])
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "(local copy from %s)\n", entry.UpdatedAt.Format(time.RFC3339))
		return printJSON(cmd.OutOrStdout(), entry.Payload)
	},
}

// ============================================================================
// SMS
// ============================================================================

var smsCmd = &cobra.Command{
	Use:   "sms",
	Short: "Send SMS to tenants",
}

var smsSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send an SMS to numbers, tenants or a whole property",
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := rentdesk.SMSMessage{
			Recipients: smsTo,
			Message:    smsMessage,
			TenantIDs:  smsTenants,
			PropertyID: smsProperty,
		}
		return withClient(cmd, func(ctx context.Context, client *rentdesk.Client) (*rentdesk.Response, error) {
			return client.SMS.Send(ctx, msg)
		})
	},
}

// ============================================================================
// Helpers
// ============================================================================

// withClient runs fn against a freshly probed client and prints the response.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *rentdesk.Client) (*rentdesk.Response, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client, _, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := fn(ctx, client)
	if err != nil {
		return apiError(err)
	}
	return printResponse(cmd, resp)
}

func printResponse(cmd *cobra.Command, resp *rentdesk.Response) error {
	switch {
	case resp.Queued:
		fmt.Fprintf(cmd.ErrOrStderr(), "Offline: request queued as #%d (mutation %s). Run 'rentdesk sync' when back online.\n",
			resp.QueueID, resp.MutationID)
	case resp.FromCache:
		fmt.Fprintf(cmd.ErrOrStderr(), "Offline: showing cached response from %s\n", resp.CachedAt.Format(time.RFC3339))
	}
	if len(resp.Body) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", resp.StatusCode)
		return nil
	}
	return printJSON(cmd.OutOrStdout(), resp.Body)
}

func printJSON(w io.Writer, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(w, string(data))
		return nil
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
	return nil
}

// apiError formats an API error for display.
func apiError(err error) error {
	var apiErr *rentdesk.APIError
	switch {
	case errors.Is(err, rentdesk.ErrOffline):
		return fmt.Errorf("backend unreachable and nothing cached: %w", err)
	case errors.As(err, &apiErr):
		if len(apiErr.Body) > 0 {
			return fmt.Errorf("API error %d: %s", apiErr.StatusCode, strings.TrimSpace(string(apiErr.Body)))
		}
		return fmt.Errorf("API error %d", apiErr.StatusCode)
	}
	return fmt.Errorf("request failed: %w", err)
}

// parseQuery turns key=value flags into url.Values.
func parseQuery(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("query must be key=value, got %q", p)
		}
		q.Add(k, v)
	}
	return q, nil
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	getCmd.Flags().StringArrayVarP(&apiQuery, "query", "q", nil, "Query parameter key=value (repeatable)")
	listCmd.Flags().StringArrayVarP(&apiQuery, "query", "q", nil, "Query parameter key=value (repeatable)")
	showCmd.Flags().BoolVar(&showLocal, "local", false, "Read the stored copy without contacting the backend")

	smsSendCmd.Flags().StringSliceVar(&smsTo, "to", nil, "Phone numbers (comma-separated)")
	smsSendCmd.Flags().StringSliceVar(&smsTenants, "tenant", nil, "Tenant IDs (comma-separated)")
	smsSendCmd.Flags().StringVar(&smsProperty, "property", "", "Send to every tenant of a property")
	smsSendCmd.Flags().StringVarP(&smsMessage, "message", "m", "", "Message text")
	smsSendCmd.MarkFlagRequired("message")
	smsCmd.AddCommand(smsSendCmd)

	rootCmd.AddCommand(getCmd)
	for _, m := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		rootCmd.AddCommand(mutateCmd(m))
	}
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(smsCmd)
}
