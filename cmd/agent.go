package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	doai "github.com/exe-blue/doai-me-app-sub000"
	"github.com/exe-blue/doai-me-app-sub000/internal/config"
	"github.com/exe-blue/doai-me-app-sub000/internal/metrics"
	"github.com/exe-blue/doai-me-app-sub000/internal/router"
	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

func newAgentCmd() *cobra.Command {
	var (
		flagListen     string
		flagControlURL string
		flagScript     string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the on-device priority router",
		Long:  "Receives command envelopes over HTTP, orders them by priority and runs them with the registered handlers, posting acks back to the control plane.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Router.ListenAddr = firstNonEmpty(flagListen, cfg.Router.ListenAddr)
			cfg.Router.ControlURL = firstNonEmpty(flagControlURL, cfg.Router.ControlURL)
			cfg.Router.ScriptPath = firstNonEmpty(flagScript, cfg.Router.ScriptPath)

			r, err := buildRouter(cfg.Router)
			if err != nil {
				return err
			}
			metrics.Init()
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sg := doai.NewSafeGroup(sigCtx)
			sg.Go("router", r.Run)
			sg.Go("agent-http", func(ctx context.Context) error {
				return doai.ServeHTTP(ctx, cfg.Router.ListenAddr, router.NewHTTPHandler(r))
			})
			log.Info().
				Str("listen", cfg.Router.ListenAddr).
				Str("control_url", cfg.Router.ControlURL).
				Str("script", cfg.Router.ScriptPath).
				Int("pool_size", cfg.Router.PoolSize).
				Msg("device agent running")
			err = sg.WaitOrInterrupt(10 * time.Second)
			r.Close()
			if sigCtx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "Envelope receiver address overriding $FLEET_AGENT_ADDR")
	cmd.Flags().StringVar(&flagControlURL, "control-url", "", "Control plane base URL for acks overriding $FLEET_CONTROL_URL")
	cmd.Flags().StringVar(&flagScript, "script", "", "Script run for POP/ACCIDENT/COMMISSION envelopes overriding $FLEET_AGENT_SCRIPT")
	return cmd
}

func buildRouter(cfg config.Router) (*router.Router, error) {
	var acks router.AckSink = router.LogAckSink{}
	if strings.TrimSpace(cfg.ControlURL) != "" {
		sink, err := router.NewHTTPAckSink(cfg.ControlURL, nil)
		if err != nil {
			return nil, err
		}
		acks = sink
	}
	r := router.New(router.Config{
		Version:       cfg.Version,
		DrainInterval: cfg.DrainInterval,
		PoolSize:      cfg.PoolSize,
	}, acks)
	if err := r.RegisterHandler(envelope.TypeSystem, router.ShellHandler(cfg.CommandTimeout)); err != nil {
		return nil, err
	}
	if script := strings.TrimSpace(cfg.ScriptPath); script != "" {
		for _, typ := range []envelope.Type{envelope.TypePop, envelope.TypeAccident, envelope.TypeCommission} {
			if err := r.RegisterHandler(typ, router.ScriptHandler(script, cfg.CommandTimeout)); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}
