package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/tether/internal/output"
	"github.com/marcus/tether/internal/syncconfig"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Show or change client settings",
	GroupID: "system",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of a setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := syncconfig.Get(args[0])
		if err != nil {
			return err
		}
		output.Info("%s", v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a setting to the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.Set(args[0], args[1]); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("%s updated", args[0])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Print every setting",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		settings, err := syncconfig.List()
		if err != nil {
			return err
		}
		if jsonOut {
			m := make(map[string]string, len(settings))
			for _, s := range settings {
				m[s.Key] = s.Value
			}
			return output.JSON(m)
		}
		for _, s := range settings {
			output.Info("%-22s %s", s.Key, s.Value)
		}
		return nil
	},
}

func init() {
	configListCmd.Flags().Bool("json", false, "JSON output")
	configCmd.AddCommand(configGetCmd, configSetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
