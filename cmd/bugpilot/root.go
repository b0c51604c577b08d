// bugpilot is the command-line client for the investigation pipeline.
//
// Usage:
//
//	bugpilot investigate --title "..." [--body "..."] [--repo owner/name] [--case-id ID]
//	bugpilot simulate [--script path.yaml] [--speed 0.5]
//	bugpilot run --title "..." [--offline] [--config configs/dev.yaml]
//	bugpilot case transition <id> <state> [--reason "..."]
//	bugpilot case history <id>
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	server string
}

var rootCmd = &cobra.Command{
	Use:   "bugpilot",
	Short: "Investigate bug reports with a multi-agent pipeline",
	Long: "BugPilot triages an issue, searches code, docs and logs, and optionally drafts a patch.\n" +
		"Events stream live from the server and are rendered as a per-agent timeline.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	defaultServer := os.Getenv("BUGPILOT_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&rootFlags.server, "server", defaultServer, "API server base URL")

	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(caseCmd)
	rootCmd.Version = version
}

func serverURL(path string) string {
	return strings.TrimRight(rootFlags.server, "/") + path
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
