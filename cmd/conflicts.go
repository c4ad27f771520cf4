package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/tether/internal/engine"
	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/output"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Aliases: []string{"conflict"},
	Short:   "List and resolve sync conflicts",
	Long: `A conflict is recorded when an entity changed both locally and remotely
since the last pull. Its pending local change is held back until you pick a
side with "tether conflicts resolve".`,
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictsListCmd.RunE(cmd, args)
	},
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cs, err := a.db.ListConflicts()
		if err != nil {
			return err
		}
		if jsonOut {
			return output.JSON(cs)
		}
		if len(cs) == 0 {
			output.Info("No unresolved conflicts.")
			return nil
		}
		for _, c := range cs {
			output.Info("%s", output.FormatConflictShort(c))
		}
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show both versions of a conflicting entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		diffOnly, _ := cmd.Flags().GetBool("diff")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := findConflict(a, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut {
			return output.JSON(c)
		}
		if diffOnly || !output.IsTerminal() {
			output.Info("%s", output.FormatConflictShort(*c))
			output.Info("%s", output.FormatConflictDiff(*c))
			return nil
		}
		rendered, err := output.RenderConflict(*c, 0)
		if err != nil {
			output.Info("%s", output.FormatConflictDiff(*c))
			return nil
		}
		output.Info("%s", rendered)
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id> [local|remote]",
	Short: "Keep the local or the remote version",
	Long: `Resolves a conflict. "local" re-queues the local version so it overwrites
the server on the next sync; "remote" adopts the server version and drops the
pending local change. Without a choice an interactive prompt is shown.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := findConflict(a, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		var choice models.Choice
		if len(args) == 2 {
			if choice, err = models.ParseChoice(args[1]); err != nil {
				return err
			}
		} else {
			if !output.IsTerminal() {
				return fmt.Errorf("choice required: tether conflicts resolve %s local|remote", output.ShortID(c.ID))
			}
			if choice, err = promptChoice(*c); err != nil {
				return err
			}
		}

		// Resolution is local-only; the result syncs on the next cycle.
		e := engine.New(engine.Deps{Queue: a.queue, Store: a.db, Clock: a.clock}, engine.Config{})
		defer e.Stop()

		rec, err := e.ResolveConflict(context.Background(), c.ID, choice)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("resolved %s: kept %s version", rec.Key(), choice)
		if choice == models.ChoiceLocal {
			output.Info("The local version is queued; run \"tether sync\" to push it.")
		}
		return nil
	},
}

// findConflict accepts a full id or a unique prefix of one.
func findConflict(a *app, id string) (*models.Conflict, error) {
	c, err := a.db.GetConflict(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrConflictNotFound, id)
	}
	return c, nil
}

func promptChoice(c models.Conflict) (models.Choice, error) {
	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Conflict on " + c.Key().String()).
				Description(output.FormatConflictDiff(c)),
			huh.NewSelect[string]().
				Title("Keep which version?").
				Options(
					huh.NewOption("Local (this device)", string(models.ChoiceLocal)),
					huh.NewOption("Remote (server)", string(models.ChoiceRemote)),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", fmt.Errorf("resolution cancelled")
		}
		return "", err
	}
	return models.ParseChoice(choice)
}

func init() {
	conflictsCmd.Flags().Bool("json", false, "JSON output")
	conflictsListCmd.Flags().Bool("json", false, "JSON output")
	conflictsShowCmd.Flags().Bool("json", false, "JSON output")
	conflictsShowCmd.Flags().Bool("diff", false, "Plain line diff instead of rendered markdown")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
