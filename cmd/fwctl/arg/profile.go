package arg

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	profileUser  string
	policyReason string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage child profiles and their policy",
}

var profileCreateCmd = &cobra.Command{
	Use:     "create <name> <age-group>",
	Short:   "Create a profile with the defaults of an age group (5-7, 8-12, 13-17)",
	Example: `  fwctl profile create Alice 8-12 --user alice`,
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		if profileUser != "" {
			call("CreateProfileForAccount", []any{&out}, args[0], args[1], profileUser, parentToken())
		} else {
			call("CreateProfile", []any{&out}, args[0], args[1], parentToken())
		}
		printJSON(out)
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <profile>",
	Short: "Show a profile and its effective policy",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("GetProfile", []any{&out}, args[0], parentToken())
		printJSON(out)
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("ListProfiles", []any{&out}, parentToken())
		printJSON(out)
	},
}

var profileHistoryCmd = &cobra.Command{
	Use:   "history <profile>",
	Short: "List the policy versions of a profile",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out string
		call("ListPolicyVersions", []any{&out}, args[0], parentToken())
		printJSON(out)
	},
}

var profilePolicyCmd = &cobra.Command{
	Use:   "set-policy <profile> <config.json>",
	Short: "Replace the policy of a profile with a JSON document",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		doc, err := os.ReadFile(args[1])
		if err != nil {
			log.Fatal("Failed to read policy:", err)
		}
		var version int32
		call("UpdatePolicy", []any{&version}, args[0], string(doc), policyReason, parentToken())
		fmt.Printf("Policy of %s is now at version %d\n", args[0], version)
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <profile>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			call("SetProfileActive", nil, args[0], active, parentToken())
			fmt.Printf("Profile %s %sd\n", args[0], use)
		},
	}
}

func init() {
	profileCreateCmd.Flags().StringVar(&profileUser, "user", "", "local account the profile applies to")
	profilePolicyCmd.Flags().StringVar(&policyReason, "reason", "", "reason recorded with the new version")

	profileCmd.AddCommand(profileCreateCmd, profileShowCmd, profileListCmd, profileHistoryCmd, profilePolicyCmd,
		setActiveCmd("enable", "Resume enforcement for a profile", true),
		setActiveCmd("disable", "Stop enforcing a profile", false))
	rootCmd.AddCommand(profileCmd)
}
