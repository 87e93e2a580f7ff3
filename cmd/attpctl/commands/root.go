// Package commands implements the attpctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient talks to the daemon's metrics/debug HTTP server.
	httpClient = &http.Client{Timeout: 5 * time.Second}

	// serverAddr is the daemon's metrics/debug address (host:port).
	serverAddr string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "attpctl",
	Short: "CLI inspection tool for the attpd daemon",
	Long:  "attpctl reads namespaces, routes, and sessions off a running attpd's debug HTTP endpoint.",

	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:9100",
		"attpd metrics/debug server address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(namespacesCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
