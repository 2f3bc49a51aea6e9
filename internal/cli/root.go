package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rpcguard",
	Short: "Admission-control guard for outbound gRPC calls",
	Long: "Wraps every outbound call in a service-level and an operation-level\n" +
		"admission check. Denied calls never reach the network; they are\n" +
		"answered by a fallback instead.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rpcguard.yaml", "Path to config YAML (missing file uses defaults)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
