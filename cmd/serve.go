package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	doai "github.com/exe-blue/doai-me-app-sub000"
)

func newServeCmd() *cobra.Command {
	var (
		flagHTTPAddr   string
		flagChannelURL string
		flagNoStorage  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long:  "Runs discovery, the command channel, the task dispatcher, the stream multiplexer and the management HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.HTTP.Addr = firstNonEmpty(flagHTTPAddr, cfg.HTTP.Addr)
			cfg.Channel.URL = firstNonEmpty(flagChannelURL, cfg.Channel.URL)
			if flagNoStorage {
				cfg.Storage.Enabled = false
			}
			cp, err := doai.New(cfg)
			if err != nil {
				return err
			}
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Str("http_addr", cfg.HTTP.Addr).
				Str("channel_url", cfg.Channel.URL).
				Str("channel_mode", cfg.Channel.Mode).
				Bool("storage", cfg.Storage.Enabled).
				Bool("subnet_sweep", cfg.Discovery.SubnetSweep).
				Msg("control plane running")
			return cp.Run(sigCtx)
		},
	}

	cmd.Flags().StringVar(&flagHTTPAddr, "http-addr", "", "Management API listen address overriding $FLEET_HTTP_ADDR")
	cmd.Flags().StringVar(&flagChannelURL, "channel-url", "", "Device-control endpoint overriding $FLEET_CHANNEL_URL")
	cmd.Flags().BoolVar(&flagNoStorage, "no-storage", false, "Disable the SQLite recorder")
	return cmd
}
