package cli

import (
	"context"
	"fmt"
	"strconv"

	"postflow/internal/automation"

	"github.com/spf13/cobra"
)

var executeNow bool

var testCmd = &cobra.Command{
	Use:   "test <automation-id> [post-id]",
	Short: "Dry-run an automation against a post",
	Long: `Evaluate the trigger, conditions and placeholders of an automation
against a post without writing anything. Without a post id the most recent
post of the automation's type is used. With --execute the actions run for real.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uint, 2)
		for i, arg := range args {
			id, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid id %q", arg)
			}
			ids[i] = uint(id)
		}
		if executeNow && ids[1] == 0 {
			return fmt.Errorf("--execute requires a post id")
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ec := automation.ExecutionContext{}
		if executeNow {
			res, err := a.stack.Automations.ExecuteNow(ctx, ids[0], ids[1], ec)
			if err != nil {
				return err
			}
			return printJSON(res)
		}
		report, err := a.stack.Automations.Test(ctx, ids[0], ids[1], ec)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	testCmd.Flags().BoolVar(&executeNow, "execute", false, "run the actions instead of a dry run")
	rootCmd.AddCommand(testCmd)
}
