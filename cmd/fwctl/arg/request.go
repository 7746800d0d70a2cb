package arg

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reviewMessage string

var requestCmd = &cobra.Command{
	Use:     "request",
	Aliases: []string{"req"},
	Short:   "Submit and review approval requests",
}

var requestSubmitCmd = &cobra.Command{
	Use:   "submit <profile> <type> [details-json]",
	Short: "Ask the parent for an exception",
	Long: `Submit an approval request. Types are extra_time, allow_app,
allow_website and suspend_monitoring.`,
	Example: `  fwctl request submit Alice extra_time '{"amount_minutes":30,"note":"homework"}'
  fwctl request submit Alice allow_app '{"app_id":"minecraft"}'`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		details := "{}"
		if len(args) > 2 {
			details = args[2]
		}
		var id string
		call("SubmitApprovalRequest", []any{&id}, args[0], args[1], details)
		fmt.Println("Request submitted:", id)
	},
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending requests",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("ListPendingRequests", []any{&out}, parentToken())
		printJSON(out)
	},
}

var requestApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call("ApproveRequest", nil, args[0], reviewMessage, parentToken())
		fmt.Println("Request approved:", args[0])
	},
}

var requestDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call("DenyRequest", nil, args[0], reviewMessage, parentToken())
		fmt.Println("Request denied:", args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{requestApproveCmd, requestDenyCmd} {
		c.Flags().StringVarP(&reviewMessage, "message", "m", "", "message for the child")
	}
	requestCmd.AddCommand(requestSubmitCmd, requestListCmd, requestApproveCmd, requestDenyCmd)
	rootCmd.AddCommand(requestCmd)
}
