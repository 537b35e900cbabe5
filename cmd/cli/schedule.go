package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run one pass of scheduled automations",
	Long:  `Run every due scheduled automation once and print the report as JSON. Intended for cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		report, err := a.stack.Automations.RunScheduled(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
