package arg

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/SoarinFerret/FamilyWarden/internal/engine"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <profile>",
	Short: "Show today's usage and enforcement state of a profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("GetStatus", []any{&out}, args[0])
		if statusJSON {
			printJSON(out)
			return
		}

		var st engine.Status
		if err := json.Unmarshal([]byte(out), &st); err != nil {
			log.Fatal("Failed to parse response:", err)
		}
		fmt.Printf("Profile:    %s (%s)\n", st.Name, st.ProfileID)
		if !st.Active {
			fmt.Println("State:      disabled")
			return
		}
		used := time.Duration(st.UsedSeconds) * time.Second
		if st.LimitSeconds > 0 {
			fmt.Printf("Used today: %s of %s\n", used, time.Duration(st.LimitSeconds)*time.Second)
			fmt.Printf("Remaining:  %s\n", time.Duration(st.RemainingSeconds)*time.Second)
		} else {
			fmt.Printf("Used today: %s (no limit)\n", used)
		}
		if st.PendingExtraMinutes > 0 {
			fmt.Printf("Extra time: %d minutes granted\n", st.PendingExtraMinutes)
		}
		switch {
		case st.InWindow && st.WindowEndsAt != nil:
			fmt.Printf("Window:     open until %s\n", st.WindowEndsAt.Format("15:04"))
		case st.InWindow:
			fmt.Println("Window:     open")
		case st.NextWindowStart != nil:
			fmt.Printf("Window:     closed, opens %s\n", st.NextWindowStart.Format("Mon 15:04"))
		default:
			fmt.Println("Window:     closed")
		}
		if st.Suspended {
			fmt.Println("Monitoring: suspended")
		}
		if st.Session != nil {
			fmt.Printf("Session:    active since %s\n", st.Session.StartTime.Format("15:04"))
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask whether an application or website is allowed",
}

var checkAppCmd = &cobra.Command{
	Use:   "app <profile> <app-id>",
	Short: "Check an application",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		checkPolicy("CheckAppPolicy", args[0], args[1])
	},
}

var checkSiteCmd = &cobra.Command{
	Use:   "site <profile> <domain>",
	Short: "Check a website",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		checkPolicy("CheckWebsitePolicy", args[0], args[1])
	},
}

func checkPolicy(method, profile, resource string) {
	var allowed bool
	var reason string
	call(method, []any{&allowed, &reason}, profile, resource)
	verdict := "allowed"
	if !allowed {
		verdict = "denied"
	}
	fmt.Printf("%s: %s (%s)\n", resource, verdict, reason)
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status document")
	checkCmd.AddCommand(checkAppCmd, checkSiteCmd)
	rootCmd.AddCommand(statusCmd, checkCmd)
}
