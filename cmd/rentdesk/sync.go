package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	rentdesk "github.com/rentdesk/sdk-go"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued mutations once",
	Long:  "Send up to one batch of queued mutations to the backend, oldest first. Stops at the first failure that is not a conflict.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		client, cfg, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		res, err := client.Flusher(flushOptions(cfg)).Flush(ctx)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		out := cmd.OutOrStdout()
		if res.Skipped {
			fmt.Fprintln(out, "Backend unreachable, nothing sent.")
			return nil
		}
		fmt.Fprintf(out, "Sent %d: %d synced, %d conflicts, %d failed\n", res.Attempted, res.Succeeded, res.Conflicts, res.Failed)
		if res.Halted {
			fmt.Fprintln(out, "Stopped at a failed mutation; it will be retried first next time.")
		}
		if left := client.PendingCount(ctx); left > 0 {
			fmt.Fprintf(out, "%d still pending\n", left)
		}
		return nil
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Watch connectivity and sync continuously",
	Long:  "Probe the backend, flush the queue whenever it becomes reachable and on every sync interval. The token is reloaded when config.toml changes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newViper()
		if err != nil {
			return err
		}
		cfg, err := decodeConfig(v)
		if err != nil {
			return err
		}

		var mu sync.RWMutex
		current := newSession(cfg.Auth.Token)
		session := rentdesk.SessionFunc(func(ctx context.Context) (string, error) {
			mu.RLock()
			s := current
			mu.RUnlock()
			if s == nil {
				return "", nil
			}
			return s.Token(ctx)
		})

		monitor := rentdesk.NewNetworkMonitor(false)
		client, err := openClient(cfg, session, monitor)
		if err != nil {
			return err
		}
		defer client.Close()

		v.OnConfigChange(func(e fsnotify.Event) {
			next, err := decodeConfig(v)
			if err != nil {
				slog.Warn("config reload failed", "file", e.Name, "error", err)
				return
			}
			mu.Lock()
			current = newSession(next.Auth.Token)
			mu.Unlock()
			slog.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		})
		v.WatchConfig()

		client.On(rentdesk.EventSyncComplete, func(_ string, payload any) {
			if res, ok := payload.(rentdesk.FlushResult); ok && res.Attempted > 0 {
				slog.Info("sync pass finished", "synced", res.Succeeded, "conflicts", res.Conflicts, "failed", res.Failed)
			}
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		probe := newProbe(cfg, client.BaseURL())
		if c, ok := probe.(interface{ Close() error }); ok {
			defer c.Close()
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitor.Watch(ctx, probe, durationOr(cfg.Sync.ProbeInterval, 10*time.Second), slog.Default())
		}()

		slog.Info("sync daemon started", "base_url", client.BaseURL())
		client.Flusher(flushOptions(cfg)).Run(ctx)
		wg.Wait()
		slog.Info("sync daemon stopped")
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncDaemonCmd)
	rootCmd.AddCommand(syncCmd)
}
