package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/output"
	"github.com/marcus/tether/internal/queue"
	tsync "github.com/marcus/tether/internal/sync"
)

var putCmd = &cobra.Command{
	Use:   "put <local-id> [json|-]",
	Short: "Create or update a record locally and queue it for sync",
	Long: `Writes the record to the local store immediately and queues the change.
The payload is taken from the argument, from --file, or from stdin when the
argument is "-" or omitted.`,
	Example: `  tether put -t project p1 '{"name":"Inbox"}'
  echo '{"body":"hi"}' | tether put -t message m1`,
	GroupID: "data",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et := putType.EntityType()
		if et == "" {
			return fmt.Errorf("--type is required")
		}
		file, _ := cmd.Flags().GetString("file")
		data, err := readPayload(args[1:], file, cmd.InOrStdin())
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.writer().Save(et, args[0], data)
		if err != nil {
			if errors.Is(err, queue.ErrInvalidChange) || errors.Is(err, tsync.ErrRecordDeleted) {
				output.Error("%v", err)
			}
			return err
		}
		output.Success("saved %s (%d pending)", rec.Key(), a.queue.Pending())
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <local-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a record locally and queue the delete",
	GroupID: "data",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		et := rmType.EntityType()
		if et == "" {
			return fmt.Errorf("--type is required")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		key := models.Key{Type: et, LocalID: args[0]}
		if err := a.writer().Delete(et, args[0]); err != nil {
			if errors.Is(err, tsync.ErrRecordNotFound) {
				output.Error("no record %s", key)
			}
			return err
		}
		output.Success("deleted %s (%d pending)", key, a.queue.Pending())
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get [local-id]",
	Aliases: []string{"ls"},
	Short:   "Show one record or list local records",
	GroupID: "data",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		et := getType.EntityType()
		jsonOut, _ := cmd.Flags().GetBool("json")
		all, _ := cmd.Flags().GetBool("all")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			if et == "" {
				return fmt.Errorf("--type is required with a local id")
			}
			rec, err := a.db.GetRecord(models.Key{Type: et, LocalID: args[0]})
			if err != nil {
				return err
			}
			if rec == nil {
				if jsonOut {
					output.JSONError(output.ErrCodeNotFound, "record not found")
				} else {
					output.Error("no record %s/%s", et, args[0])
				}
				return tsync.ErrRecordNotFound
			}
			if jsonOut {
				return output.JSON(recordView(*rec))
			}
			output.Info("%s", output.FormatRecordLong(*rec))
			return nil
		}

		var recs []models.Record
		if et != "" {
			recs, err = a.db.ListRecordsByType(et)
		} else {
			recs, err = a.db.ListRecords()
		}
		if err != nil {
			return err
		}
		if !all {
			live := recs[:0]
			for _, r := range recs {
				if !r.Deleted {
					live = append(live, r)
				}
			}
			recs = live
		}

		if jsonOut {
			views := make([]any, 0, len(recs))
			for _, r := range recs {
				views = append(views, recordView(r))
			}
			return output.JSON(views)
		}
		if len(recs) == 0 {
			output.Info("No records.")
			return nil
		}
		for _, r := range recs {
			output.Info("%s", output.FormatRecordShort(r))
		}
		return nil
	},
}

// recordView adds the sync mark, which models.Record keeps out of JSON.
func recordView(r models.Record) map[string]any {
	v := map[string]any{
		"entityType": r.EntityType,
		"localId":    r.LocalID,
		"data":       r.Data,
		"createdAt":  r.CreatedAt,
		"updatedAt":  r.UpdatedAt,
		"phase":      r.Mark.Phase(),
	}
	if r.Deleted {
		v["deleted"] = true
	}
	if id := r.Mark.RemoteID(); id != "" {
		v["remoteId"] = id
	}
	if r.Mark.IsSynced() {
		v["syncedAt"] = r.Mark.SyncedAt()
	}
	return v
}

// readPayload returns the JSON payload from args, a file, or stdin.
func readPayload(args []string, file string, stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case file != "":
		data, err = os.ReadFile(file)
	case len(args) == 1 && args[0] != "-":
		data = []byte(args[0])
	default:
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

var putType, rmType, getType entityTypeValue

func init() {
	addEntityTypeFlag(putCmd.Flags(), &putType, "Entity type (project, message, attachment)")
	addEntityTypeFlag(rmCmd.Flags(), &rmType, "Entity type (project, message, attachment)")
	addEntityTypeFlag(getCmd.Flags(), &getType, "Filter by entity type")
	putCmd.Flags().StringP("file", "f", "", "Read the JSON payload from a file")
	getCmd.Flags().Bool("json", false, "JSON output")
	getCmd.Flags().Bool("all", false, "Include locally deleted records")

	rootCmd.AddCommand(putCmd, rmCmd, getCmd)
}
