package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/tether/internal/output"
	"github.com/marcus/tether/internal/retry"
	"github.com/marcus/tether/internal/syncclient"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued changes and pull remote updates",
	Long: `Runs one sync cycle against the configured server: queued changes are
pushed in order, then remote changes since the last pull are fetched and
merged. Entities edited on both sides since the last pull become conflicts;
see "tether conflicts".`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusOnly, _ := cmd.Flags().GetBool("status")
		history, _ := cmd.Flags().GetInt("history")
		pushOnly, _ := cmd.Flags().GetBool("push-only")
		full, _ := cmd.Flags().GetBool("full")
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		switch {
		case statusOnly:
			return printStatus(a, jsonOut)
		case history > 0:
			return printHistory(a, history, jsonOut)
		}

		if full {
			if err := a.db.ResetWatermark(); err != nil {
				return fmt.Errorf("reset watermark: %w", err)
			}
		}

		e, _, err := a.newEngine(nil, engineOptions{pushOnly: pushOnly})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		e.LoadStatus()

		ctx, cancel := context.WithTimeout(cmd.Context(), cycleTimeout(a.cfg.Sync.Timeout))
		defer cancel()
		res, err := e.RunOnce(ctx)
		e.Stop()

		snap := e.Status().Snapshot()
		if jsonOut {
			return output.JSON(map[string]any{
				"pushed":    res.Push.Successful,
				"failed":    res.Push.Failed,
				"pulled":    res.Pulled,
				"conflicts": res.Conflicts,
				"status":    snap,
			})
		}

		if res.Offline {
			output.Warning("offline, nothing sent")
			return nil
		}
		output.Info("Pushed %d, pulled %d", res.Push.Successful, res.Pulled)
		if n := len(snap.Conflicts); n > 0 {
			output.Warning("%d unresolved conflict(s), run \"tether conflicts\"", n)
		}
		if err != nil {
			if retry.IsAuth(err) {
				output.Error("authentication failed: check api_key")
			} else {
				output.Error("%v", err)
			}
			return err
		}
		output.Success("Sync complete")
		return nil
	},
}

// cycleTimeout bounds a one-shot cycle: several requests, each bounded by
// the per-request timeout.
func cycleTimeout(perRequest time.Duration) time.Duration {
	if perRequest <= 0 {
		perRequest = syncclient.DefaultTimeout
	}
	return 5 * perRequest
}

func printStatus(a *app, jsonOut bool) error {
	snap, err := a.snapshot()
	if err != nil {
		return err
	}
	if jsonOut {
		return output.JSON(snap)
	}
	output.Info("%s", output.FormatStatus(snap))
	if a.cfg.ServerURL == "" {
		output.Warning("no server configured")
	} else {
		output.Info("Server:    %s", a.cfg.ServerURL)
	}
	return nil
}

func printHistory(a *app, limit int, jsonOut bool) error {
	entries, err := a.db.HistoryTail(limit)
	if err != nil {
		return err
	}
	if jsonOut {
		return output.JSON(entries)
	}
	if len(entries) == 0 {
		output.Info("No sync history yet.")
		return nil
	}
	for _, h := range entries {
		output.Info("%s", output.FormatHistoryEntry(h))
	}
	return nil
}

func init() {
	syncCmd.Flags().Bool("status", false, "Show sync status without contacting the server")
	syncCmd.Flags().Int("history", 0, "Show the last N pushed/pulled entities")
	syncCmd.Flags().Bool("push-only", false, "Push queued changes without pulling")
	syncCmd.Flags().Bool("full", false, "Pull everything, ignoring the stored watermark")
	syncCmd.Flags().Bool("json", false, "JSON output")
	rootCmd.AddCommand(syncCmd)
}
