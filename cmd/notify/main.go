package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/notifykit/notify/conf"
	"github.com/notifykit/notify/logger"
	"github.com/notifykit/notify/server"
	"github.com/notifykit/notify/version"
)

var (
	flagHost  string
	flagPort  int
	flagDebug bool
)

var rootCmd = &cobra.Command{
	Use:           "notify",
	Short:         "Notification dispatch worker",
	Version:       version.GetVersion(),
	SilenceUsage:  true,  // Don't print usage on error
	SilenceErrors: false, // Do print errors
	Long: `notify runs the notification dispatch worker: it accepts jobs over TCP,
a pub/sub channel and a consumer-group stream, queues them with backpressure
and fans them out to the configured providers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("debug") {
			logger.SetVerbose(flagDebug)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

func runWorker(ctx context.Context) error {
	// A .env next to the binary is a developer convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := conf.Load()
	if err != nil {
		return err
	}
	if flagHost != "" {
		cfg.DefaultHost = flagHost
	}
	if flagPort != 0 {
		cfg.DefaultPort = flagPort
	}

	version.LogStartup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	return server.NewWorker(cfg).Run(ctx)
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "", "TCP ingress host (default: resolved hostname)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, fmt.Sprintf("TCP ingress port (default: %d)", conf.DefaultPort))
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.SetVersionTemplate(version.GetVersionInfo() + "\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}
