package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "revulnera",
	Short: "Coordination hub for externally-executed reconnaissance scans",
	Long: `Revulnera - Reconnaissance Scan Coordination Hub

Revulnera tracks long-running reconnaissance scans executed by an external
worker: it dispatches jobs, receives streamed findings over authenticated
callbacks, merges them idempotently into per-category stores, fans results
out to websocket subscribers and aggregates them into risk reports.

The hub never performs scanning itself. Point it at a worker with
worker.base_url and start it with:

  revulnera serve --port 8080
  revulnera serve --config revulnera.yaml
`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default is ./revulnera.yaml)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
