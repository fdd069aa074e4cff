package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Multi-provider model orchestrator",
	Long: `Orchestrator routes generation requests to NVIDIA, SambaNova and Cerebras,
failing over between them and caching responses.

Configuration is read from the environment and an optional .env file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load variables from this file before reading the environment")
	addServeFlags(rootCmd)
	rootCmd.SetVersionTemplate("orchestrator {{.Version}}\n")
}
