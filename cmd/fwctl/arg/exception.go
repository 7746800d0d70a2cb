package arg

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
)

var (
	exceptionExpires string
	exceptionReason  string
)

var exceptionCmd = &cobra.Command{
	Use:     "exception",
	Aliases: []string{"ex"},
	Short:   "Grant, list and revoke policy exceptions",
}

var exceptionAddCmd = &cobra.Command{
	Use:   "add <profile> <type> <payload-json>",
	Short: "Grant an exception directly",
	Long: `Grant an exception without a request. It expires at the end of the
day unless --expires is given.`,
	Example: `  fwctl exception add Alice extra_time '{"amount_minutes":60}' --reason "Working on a project"
  fwctl exception add Alice allow_website '{"website":"example.org"}' --expires 2026-01-20T23:59:59Z`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		var expiresAt int64
		if exceptionExpires != "" {
			t, err := time.Parse(time.RFC3339, exceptionExpires)
			if err != nil {
				log.Fatalf("Invalid expires format (use RFC3339): %v", err)
			}
			expiresAt = t.Unix()
		}
		var id string
		call("CreateException", []any{&id}, args[0], args[1], args[2], expiresAt, exceptionReason, parentToken())
		fmt.Println("Exception granted:", id)
	},
}

var exceptionListCmd = &cobra.Command{
	Use:   "list <profile>",
	Short: "List active exceptions of a profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("ListActiveExceptions", []any{&out}, args[0], parentToken())
		printJSON(out)
	},
}

var exceptionRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an exception",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call("RevokeException", nil, args[0], parentToken())
		fmt.Println("Exception revoked:", args[0])
	},
}

func init() {
	exceptionAddCmd.Flags().StringVar(&exceptionExpires, "expires", "", "expiry time (RFC3339)")
	exceptionAddCmd.Flags().StringVar(&exceptionReason, "reason", "", "reason for the exception")
	exceptionCmd.AddCommand(exceptionAddCmd, exceptionListCmd, exceptionRevokeCmd)
	rootCmd.AddCommand(exceptionCmd)
}
