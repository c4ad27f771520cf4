package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/status"
	"github.com/marcus/tether/pkg/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live sync status dashboard",
	Long: `Runs the sync engine in the foreground and shows its status, unresolved
conflicts and the pending queue as they change.

Key bindings:
  s  Sync now
  r  Refresh the queue
  q  Quit`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		// stderr logging would tear the alt screen
		if logger := daemonLogger(a.cfg.LogFile, a.cfg.LogLevel); logger != nil {
			defer logger.Close()
		} else {
			slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st := status.New()
		sess, err := startSession(ctx, a, st)
		if err != nil {
			return err
		}
		defer sess.Stop()

		updates, unsubscribe := st.Subscribe()
		defer unsubscribe()

		model := monitor.New(monitor.Options{
			Updates: updates,
			Initial: st.Snapshot(),
			FetchQueue: func() ([]models.QueuedChange, error) {
				return a.queue.List(), nil
			},
			SyncNow:         sess.engine.SyncNow,
			RefreshInterval: interval,
		})

		p := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Queue refresh interval")
}
