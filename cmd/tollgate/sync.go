package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tollgate/pkg/catalog"
	"github.com/pario-ai/tollgate/pkg/models"
)

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run or inspect the exercise catalog sync",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one catalog sync now and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := catalog.Open(a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			res, err := newSyncEngine(a.cfg.Sync, store).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Synced %d exercises (%d changed, %d retries).\n", res.Exercises, res.Written, res.Retries)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := catalog.Open(a.cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st, err := store.Status.Get(context.Background(), catalog.Source)
			if err != nil {
				return err
			}
			total, err := store.Count(context.Background(), catalog.Source)
			if err != nil {
				return err
			}
			fmt.Print(formatSyncStatus(st, total))
			return nil
		},
	}

	cmd.AddCommand(runCmd, statusCmd)
	return cmd
}

func formatSyncStatus(st models.SyncStatus, total int) string {
	status := string(st.Status)
	if status == "" {
		status = "never run"
	}
	out := fmt.Sprintf("Source:        %s\n", catalog.Source)
	out += fmt.Sprintf("Status:        %s\n", status)
	out += fmt.Sprintf("Syncing:       %t\n", st.IsSyncing)
	out += fmt.Sprintf("Last started:  %s\n", formatTime(st.LastSyncStartedAt))
	out += fmt.Sprintf("Last finished: %s\n", formatTime(st.LastSyncAt))
	out += fmt.Sprintf("Exercises:     %d (stored %d)\n", st.ExerciseCount, total)
	out += fmt.Sprintf("Retries:       %d\n", st.RetryCount)
	if st.ErrorMessage != nil {
		out += fmt.Sprintf("Error:         %s\n", *st.ErrorMessage)
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
