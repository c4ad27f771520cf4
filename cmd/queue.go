package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/tether/internal/output"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "List changes waiting to be pushed",
	GroupID: "sync",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		changes := a.queue.List()
		if jsonOut {
			return output.JSON(changes)
		}
		if len(changes) == 0 {
			output.Info("Queue is empty.")
			return nil
		}
		output.Info("%s", output.SectionHeader("PENDING CHANGES"))
		for _, c := range changes {
			output.Info("%s", output.FormatChange(c))
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().Bool("json", false, "JSON output")
	rootCmd.AddCommand(queueCmd)
}
