package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/busproxy/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the recorded history",
		Long: `Query the SQLite history store written by inspect and watch.

The store records:
  - Proxies seen on the bus and when they were removed
  - Observability events (feature status, connections, capabilities)
  - Property snapshots, one per distinct state`,
	}

	cmd.AddCommand(newHistoryProxiesCommand())
	cmd.AddCommand(newHistoryEventsCommand())
	cmd.AddCommand(newHistorySnapshotsCommand())

	return cmd
}

func openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, errors.New("history store is not enabled (set store.enabled)")
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("history store %s: %w", cfg.Store.Path, err)
	}

	store, err := stores.NewSQLiteStore(cfg.Store.StoreOptions())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newHistoryProxiesCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "List recorded proxies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			proxies, err := store.ListProxies(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(proxies)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tBUS\tFIRST SEEN\tLAST SEEN\tREMOVED")
			for _, p := range proxies {
				removed := "-"
				if p.RemovedAt != nil {
					removed = p.RemovedAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ObjectPath, p.BusID,
					p.FirstSeen.Local().Format(time.RFC3339), p.LastSeen.Local().Format(time.RFC3339), removed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of proxies")

	return cmd
}

func newHistoryEventsCommand() *cobra.Command {
	var (
		path      string
		eventType string
		level     string
		since     time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded events, newest first",
		Example: `  # Connection failures of one account in the last hour
  busproxy -c busproxy.yaml history events \
    --account /org/freedesktop/Telepathy/Account/gabble/jabber/acc0 \
    --type connection.failed --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			q := stores.EventQuery{Limit: limit}
			if path != "" {
				q.ObjectPath = &path
			}
			if eventType != "" {
				q.Type = &eventType
			}
			if level != "" {
				l := stores.EventLevel(level)
				q.Level = &l
			}
			if since > 0 {
				t := time.Now().Add(-since)
				q.Since = &t
			}

			events, err := store.GetEvents(ctx, q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(events)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tPATH\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.RFC3339),
					e.Level, e.Type, e.ObjectPath, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&path, "account", "", "only events of this object path")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level (debug, info, warning, error)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")

	return cmd
}

func newHistorySnapshotsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "snapshots <account-path>",
		Short: "List property snapshots of an account, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			snaps, err := store.ListSnapshots(ctx, args[0], limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(snaps)
			}

			for _, s := range snaps {
				fmt.Printf("%s  %s\n", s.TakenAt.Local().Format(time.RFC3339), shortHash(s.Hash))
				fmt.Printf("  features:   %s\n", s.Features)
				fmt.Printf("  properties: %s\n", s.Properties)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of snapshots")

	return cmd
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
