package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	rentdesk "github.com/rentdesk/sdk-go"
	"github.com/spf13/cobra"
)

var (
	queueStatus []string
	queueJSON   bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and resolve mutations waiting to sync",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := offlineClient()
		if err != nil {
			return err
		}
		defer client.Close()

		statuses := make([]rentdesk.SyncStatus, 0, len(queueStatus))
		for _, s := range queueStatus {
			statuses = append(statuses, rentdesk.SyncStatus(s))
		}
		actions, err := client.Store().ListMutations(cmd.Context(), statuses...)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}

		if queueJSON {
			b, _ := json.MarshalIndent(actions, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		}
		if len(actions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tMETHOD\tPATH\tRETRIES\tCREATED\tLAST ERROR")
		for _, a := range actions {
			lastErr := ""
			if a.LastError != nil {
				lastErr = truncate(*a.LastError, 60)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
				a.ID, a.Status, a.Method, a.Path, a.Retries, a.CreatedAt.Format(time.RFC3339), lastErr)
		}
		return tw.Flush()
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Make a conflicted or failed mutation eligible for sync again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		client, err := offlineClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Flusher(nil).Requeue(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Mutation #%d requeued\n", id)
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a queued mutation without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}
		client, err := offlineClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Flusher(nil).Discard(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Mutation #%d discarded\n", id)
		return nil
	},
}

// offlineClient opens the store without probing the backend.
func offlineClient() (*rentdesk.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return openClient(cfg, nil, rentdesk.NewNetworkMonitor(false))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	queueListCmd.Flags().StringSliceVar(&queueStatus, "status", nil, "Filter by status (pending, inflight, error, conflict, failed)")
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "Output raw JSON")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}
