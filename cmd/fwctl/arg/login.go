package arg

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/SoarinFerret/FamilyWarden/internal/auth"
)

func readPassword(prompt string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		log.Fatal("Password prompt requires a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatal("Failed to read password:", err)
	}
	return string(b)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate as the parent and print a session token",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		var t string
		call("AuthenticateParent", []any{&t}, readPassword("Parent password: "))
		fmt.Printf("export %s=%s\n", tokenEnv, t)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the current session token",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		call("RevokeSession", nil, parentToken())
		fmt.Println("Session revoked")
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a parent password for the daemon configuration",
	Long: `Prompt for a password and print its argon2id hash. Put the hash in
the [auth] parent_password_hash setting of the daemon configuration.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		password := readPassword("New parent password: ")
		if readPassword("Confirm password: ") != password {
			log.Fatal("Passwords do not match")
		}
		hash, err := auth.HashPassword(auth.DefaultParams, password)
		if err != nil {
			log.Fatal("Failed to hash password:", err)
		}
		fmt.Println(hash)
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, hashPasswordCmd)
}
