// Package cmd wires the application together and exposes the CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	flagVerbose bool
	flagEnvFile string
)

var rootCmd = &cobra.Command{
	Use:          "telepersona",
	Short:        "Telegram chat agent backed by an OpenAI-compatible LLM",
	Long:         "telepersona runs a long-lived Telegram bot with per-user personas,\nchat sessions, semantic memory and a pluggable tool loop.",
	SilenceUsage: true,
	RunE:         runBot,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "config", "", "path to an env file (default .env)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
