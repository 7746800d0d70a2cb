package arg

import (
	"github.com/spf13/cobra"
)

var auditLimit int32

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show usage reports",
}

var reportDailyCmd = &cobra.Command{
	Use:   "daily <profile> [YYYY-MM-DD]",
	Short: "Show the report of one day, today by default",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("GetDailyReport", []any{&out}, args[0], optionalArg(args, 1))
		printJSON(out)
	},
}

var reportWeeklyCmd = &cobra.Command{
	Use:   "weekly <profile> [YYYY-MM-DD]",
	Short: "Show the report of the week containing a day, this week by default",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("GetWeeklyReport", []any{&out}, args[0], optionalArg(args, 1))
		printJSON(out)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the newest audit log entries",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("ListAuditLog", []any{&out}, auditLimit, parentToken())
		printJSON(out)
	},
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func init() {
	auditCmd.Flags().Int32VarP(&auditLimit, "limit", "n", 50, "number of entries")
	reportCmd.AddCommand(reportDailyCmd, reportWeeklyCmd)
	rootCmd.AddCommand(reportCmd, auditCmd)
}
