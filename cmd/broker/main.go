package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/procbroker/broker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:      "procbroker",
		Usage:     "relay a single child process to a native messaging host over length-prefixed JSON frames",
		ArgsUsage: "[origin]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file. Flags override its values.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Write logs to this file instead of stderr.",
			},
			&cli.StringFlag{
				Name:  "on-overlap",
				Usage: "What a run does while a child is running. One of [reject,replace].",
				Value: string(broker.OverlapReject),
			},
			&cli.DurationFlag{
				Name:  "kill-grace",
				Usage: "How long a graceful stop waits before the child is killed.",
				Value: broker.DefaultConfig().KillGrace,
			},
			&cli.DurationFlag{
				Name:  "drain-timeout",
				Usage: "How long child output is still relayed after the child exits.",
				Value: broker.DefaultConfig().DrainTimeout,
			},
			&cli.IntFlag{
				Name:  "max-inbound-frame",
				Usage: "Upper bound in bytes on host frames, on top of the bound derived from available memory.",
				Value: broker.DefaultConfig().MaxInboundFrame,
			},
			&cli.IntFlag{
				Name:  "max-outbound-frame",
				Usage: "Upper bound in bytes on frames sent to the host.",
				Value: broker.DefaultConfig().MaxOutboundFrame,
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "Serve WebSocket sessions on this address instead of using stdio.",
			},
			&cli.StringSliceFlag{
				Name:  "allowed-origin",
				Usage: "Origin host pattern allowed to open WebSocket sessions, such as an extension id. Repeatable.",
			},
			&cli.BoolFlag{
				Name:  "print-config",
				Usage: "Print the effective config and exit.",
			},
			// Chrome passes this on Windows when launching native messaging hosts.
			&cli.StringFlag{
				Name:   "parent-window",
				Hidden: true,
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			if ctx.Bool("print-config") {
				return cfg.PrintConfig(os.Stderr)
			}

			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = run(runCtx, cfg, logger, ctx.Args().First())
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Sugar().Errorw("broker stopped", "Error", err)
				return err
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (*broker.Config, error) {
	cfg := broker.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		err := cfg.LoadYaml(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("log-file") {
		cfg.LogFile = ctx.String("log-file")
	}
	if ctx.IsSet("on-overlap") {
		cfg.OnOverlap = broker.OverlapPolicy(ctx.String("on-overlap"))
	}
	if ctx.IsSet("kill-grace") {
		cfg.KillGrace = ctx.Duration("kill-grace")
	}
	if ctx.IsSet("drain-timeout") {
		cfg.DrainTimeout = ctx.Duration("drain-timeout")
	}
	if ctx.IsSet("max-inbound-frame") {
		cfg.MaxInboundFrame = ctx.Int("max-inbound-frame")
	}
	if ctx.IsSet("max-outbound-frame") {
		cfg.MaxOutboundFrame = ctx.Int("max-outbound-frame")
	}
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("allowed-origin") {
		cfg.AllowedOrigins = ctx.StringSlice("allowed-origin")
	}
	// Chrome passes the calling extension's origin as the first argument. Firefox passes the
	// manifest path there instead, which has no host and is skipped.
	if origin := ctx.Args().First(); origin != "" {
		_ = cfg.AllowOrigin(origin)
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *broker.Config, logger *zap.Logger, origin string) error {
	log := logger.Named("broker").Sugar()

	if cfg.ListenAddr == "" {
		log.Infow("relaying over stdio", "Origin", origin, "PID", os.Getpid())
		relay := broker.NewRelay(os.Stdin, os.Stdout, broker.WithLogger(logger), broker.WithConfig(cfg))
		return relay.Run(ctx)
	}

	log.Infow("serving WebSocket sessions", "Origin", origin, "Addr", cfg.ListenAddr)
	return broker.NewServer(cfg, logger).Run(ctx)
}
