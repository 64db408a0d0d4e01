package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/exe-blue/doai-me-app-sub000/internal/config"
	"github.com/exe-blue/doai-me-app-sub000/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Device fleet control plane",
	Long:  `fleet 管理一组 Android 设备：发现与重连、命令通道、任务分发、屏幕流复用，以及设备端的优先级路由 agent。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(rootLogLevel, rootLogJSON)
	},
	SilenceUsage: true,
}

var (
	rootConfigPath string
	rootLogLevel   string
	rootLogJSON    bool
)

func init() {
	_ = env.Ensure()
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Fleet YAML config overriding $FLEET_CONFIG")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", config.String("FLEET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&rootLogJSON, "log-json", false, "Emit JSON logs instead of console output")
	rootCmd.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newAgentCmd(),
		newSubmitCmd(),
	)
}

func setupLogging(level string, asJSON bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return err
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if asJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("fleet command failed")
	}
}
