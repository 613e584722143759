// Package cli wires the kleis binary's cobra subcommands: serve, migrate,
// accounts, keys. Grounded on the teacher's internal/cli package (rootCmd +
// per-concern subcommand files), trimmed down to Kleis's closed
// {codex,copilot,claude} provider set instead of the teacher's much larger
// provider lineup.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kleis",
	Short: "Kleis multi-tenant OAuth proxy",
	Long:  "Kleis brokers OpenAI/Anthropic/GitHub-Copilot-compatible requests to upstream LLM providers through OAuth-authenticated accounts.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config YAML (when unset, no YAML file is read; .env and KLEIS_* environment variables still apply)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(keysCmd)
}

// Execute runs the root command; called from cmd/kleis/main.go.
func Execute() error {
	return rootCmd.Execute()
}
