package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Ordered multi-queue dispatcher",
		Long:          "Polls one durable queue per owner and hands messages to a handler in order, one at a time per owner.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("broker", "sqs", "Broker backend: sqs|memory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (default from DISPATCH_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text|json (default from DISPATCH_LOG_FORMAT)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newQueuesCmd())
	return rootCmd
}
