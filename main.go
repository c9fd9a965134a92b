package main

import (
	"os"

	"PPSync/global/config"
	"PPSync/logger"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ppsync",
	Short: "Real-time chat sync engine and its reference backend",
	Long: `ppsync keeps a conversation's message list consistent across push, polling
and optimistic sends, and tracks read receipts and typing presence.

  ppsync serve   runs the reference backend (REST, websocket gateway, NATS fan-out)
  ppsync watch   runs the client engine against a conversation`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env PPSYNC_* overrides it)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig reads the configuration and installs the process logger.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
