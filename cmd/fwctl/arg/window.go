package arg

import (
	"fmt"

	"github.com/spf13/cobra"
)

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Manage the allowed time windows of a profile",
	Long: `Time windows are HH:MM ranges per day type (weekday, weekend, holiday).
A profile without any window may use the computer at any time.`,
}

var windowAddCmd = &cobra.Command{
	Use:     "add <profile> <type> <start> <end>",
	Short:   "Add an allowed window",
	Example: `  fwctl window add Alice weekday 16:00 18:00`,
	Args:    cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		call("AddTimeWindow", nil, args[0], args[1], args[2], args[3], parentToken())
		fmt.Printf("Added %s window %s-%s for %s\n", args[1], args[2], args[3], args[0])
	},
}

var windowRemoveCmd = &cobra.Command{
	Use:   "remove <profile> <type> <start> <end>",
	Short: "Remove an allowed window",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		call("RemoveTimeWindow", nil, args[0], args[1], args[2], args[3], parentToken())
		fmt.Printf("Removed %s window %s-%s for %s\n", args[1], args[2], args[3], args[0])
	},
}

var windowListCmd = &cobra.Command{
	Use:   "list <profile>",
	Short: "List the windows of a profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("ListTimeWindows", []any{&out}, args[0], parentToken())
		printJSON(out)
	},
}

var windowClearCmd = &cobra.Command{
	Use:   "clear <profile> [type]",
	Short: "Remove every window, or every window of one type",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		windowType := "all"
		if len(args) > 1 {
			windowType = args[1]
		}
		call("ClearTimeWindows", nil, args[0], windowType, parentToken())
		fmt.Printf("Cleared %s windows for %s\n", windowType, args[0])
	},
}

func init() {
	windowCmd.AddCommand(windowAddCmd, windowRemoveCmd, windowListCmd, windowClearCmd)
	rootCmd.AddCommand(windowCmd)
}
