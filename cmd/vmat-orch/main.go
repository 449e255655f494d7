package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	rootCmd    = &cobra.Command{
		Use:   "vmat-orch",
		Short: "VMAT run orchestrator - asynchronous plan optimization runs",
		Long: `vmat-orch accepts VMAT optimization requests, runs the solver in the
background and serves run status, progress and results from a consistent
artifact store. Dose reconstruction may finish after the solve; polls never
mix a status with results it does not promise.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(envFile)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with dataset credentials and solver license settings")
}

// loadEnv reads a dotenv file when present. Variables already set in the
// environment win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
