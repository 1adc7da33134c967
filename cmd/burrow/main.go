package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrowops/burrow/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - Durable workflow runtime and actor ingress",
	Long: `Burrow schedules long-running, durable workflows and routes live
traffic to the actors those workflows manage. The same binary runs the
workflow worker and the Guard ingress proxy, backed by an ordered KV
store, NATS, and Redis.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(guardCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(signalCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Options{
		Level: level,
		JSON:  jsonOutput,
	})
}
