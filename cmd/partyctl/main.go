// partyctl is a CLI for the credential and membership core: key
// generation/export, and an end-to-end local demo of genesis construction,
// greeting initiation, and an authenticator check.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "partyctl",
	Short: "partyctl - credential and membership core CLI",
	Long: `partyctl provides tools for managing party credentials: key
generation and export, plus a local end-to-end demo that builds a party
genesis, drives a Greeting handshake as an invitee, and runs an Authenticator
check against the result.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	// Commands are registered in their respective files:
	// - generate.go: generateCmd
	// - demo.go: demoCmd (genesis, greeting, and authenticator end-to-end)
}
