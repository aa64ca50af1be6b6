package main

import (
	"context"
	"fmt"
	"time"

	rentdesk "github.com/rentdesk/sdk-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, connectivity and sync queue status",
	Long:  "Display the current configuration, check whether the token has expired, probe the backend and count queued mutations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		client, cfg, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Fprintf(out, "  Base URL:    %s\n", client.BaseURL())
		path, _ := storePath(cfg)
		fmt.Fprintf(out, "  Store:       %s\n", path)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present (" + maskKey(cfg.Auth.Token) + ")"
			if s, err := rentdesk.NewJWTSession(cfg.Auth.Token); err == nil {
				fmt.Fprintf(out, "  User:        %s\n", valueOrDefault(s.Subject(), "(unknown)"))
				switch exp := s.ExpiresAt(); {
				case exp.IsZero():
					tokenStatus = "valid (no expiry)"
				case s.Expired():
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				default:
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				}
			}
		}
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sync:")
		if client.Network().IsOnline() {
			fmt.Fprintln(out, "  Network:     online")
		} else {
			fmt.Fprintln(out, "  Network:     OFFLINE")
		}
		fmt.Fprintf(out, "  Pending:     %d\n", client.PendingCount(ctx))

		held, err := client.Store().ListMutations(ctx, rentdesk.StatusConflict, rentdesk.StatusFailed)
		if err != nil {
			fmt.Fprintf(out, "  Error reading queue: %v\n", err)
			return nil
		}
		if len(held) > 0 {
			fmt.Fprintf(out, "  Needs review: %d (see 'rentdesk queue list')\n", len(held))
		}
		return nil
	},
}
