package arg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/SoarinFerret/FamilyWarden/internal/ipc"
)

const tokenEnv = "FW_TOKEN"

var (
	token      string
	sessionBus bool
)

var rootCmd = &cobra.Command{
	Use:   "fwctl",
	Short: "fwctl is the command line tool for FamilyWarden",
	Long: `fwctl talks to the FamilyWarden daemon over D-Bus.
Parent commands need a session token: run "fwctl login" and export the
printed token as FW_TOKEN, or pass --token.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "parent session token (default $"+tokenEnv+")")
	rootCmd.PersistentFlags().BoolVar(&sessionBus, "session-bus", false, "connect to the session bus instead of the system bus")
}

// call invokes method on the daemon and stores the reply into out.
func call(method string, out []any, args ...any) {
	var conn *dbus.Conn
	var err error
	if sessionBus {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		log.Fatal("Failed to connect to bus:", err)
	}
	defer conn.Close()

	obj := conn.Object(ipc.ServiceName, dbus.ObjectPath(ipc.ObjectPath))
	if err := obj.Call(ipc.InterfaceName+"."+method, 0, args...).Store(out...); err != nil {
		log.Fatalf("%s failed: %v", method, err)
	}
}

// parentToken returns the token from --token or the environment.
func parentToken() string {
	if token != "" {
		return token
	}
	if t := os.Getenv(tokenEnv); t != "" {
		return t
	}
	log.Fatal("Not logged in: run \"fwctl login\" and set " + tokenEnv + ", or pass --token")
	return ""
}

func printJSON(raw string) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "", "  "); err != nil {
		fmt.Println(raw)
		return
	}
	fmt.Println(buf.String())
}
