// Package cli implements the aquaman command-line interface using Cobra.
// It provides the daemon entry point plus commands for managing stored
// credentials, listing services, and inspecting the audit log.
package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tech4242/aquaman/internal/config"
	"github.com/tech4242/aquaman/internal/log"
)

var (
	verbose    bool
	jsonOut    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "aquaman",
	Short: "Aquaman - credential-isolation proxy for local AI agents",
	Long: `Aquaman is a local reverse proxy that holds API credentials so your
agent processes never see them. The agent talks to a loopback URL;
aquaman injects the right authentication and forwards to the upstream
API, recording every access in a tamper-evident audit log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debugDir := filepath.Join(config.DataDir(), "debug")
		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			DebugDir:      debugDir,
			RetentionDays: 14,
		}); err != nil {
			// Log init failure is non-fatal - fallback to default logger
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	defer log.Close()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.aquaman/config.yaml)")
}

// loadConfig resolves the config file path and loads it.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}
