package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/superbox-dev/mcp-bridge/gateway"
	"github.com/superbox-dev/mcp-bridge/metadata"
	"github.com/superbox-dev/mcp-bridge/supervisor"
	"github.com/superbox-dev/mcp-bridge/workspace"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "bridged",
		Usage: "the bridge daemon relaying transports to MCP server processes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:  "region",
				Usage: "The AWS region of the metadata registry bucket.",
				Value: "ap-south-1",
			},
			&cli.StringFlag{
				Name:  "bucket",
				Usage: "The S3 bucket holding server metadata (<name>.json objects).",
				Value: "superbox-mcp-registry",
			},
			&cli.StringFlag{
				Name:  "deps-dir",
				Usage: "Shared install target for server dependencies.",
				Value: "/tmp/pip_modules",
			},
			&cli.StringFlag{
				Name:  "interpreter",
				Usage: "The runtime binary used to execute server entrypoints.",
				Value: "python3",
			},
			&cli.StringFlag{
				Name:  "oneshot-timeout",
				Usage: "Wall-clock limit for a single-shot call, provisioning included.",
				Value: "30s",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(ctx *cli.Context) error {
			listenAddr := ctx.String("listen-addr")
			region := ctx.String("region")
			bucket := ctx.String("bucket")
			depsDir := ctx.String("deps-dir")
			interpreter := ctx.String("interpreter")
			oneShotTimeoutStr := ctx.String("oneshot-timeout")

			oneShotTimeout, err := time.ParseDuration(oneShotTimeoutStr)
			if err != nil {
				return fmt.Errorf("parsing oneshot timeout: %w", err)
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			resolver, err := metadata.NewS3Resolver(region, bucket,
				metadata.WithS3ResolverLogger(logger.Sugar()))
			if err != nil {
				return fmt.Errorf("building resolver: %w", err)
			}

			provisioner := workspace.New(
				workspace.WithLogger(logger.Sugar()),
				workspace.WithSharedDepsDir(depsDir),
				workspace.WithInterpreter(interpreter),
			)

			level := zapcore.InfoLevel
			if ctx.Bool("debug") {
				level = zapcore.DebugLevel
			}

			gw, err := gateway.New(
				gateway.WithLogger(logger),
				gateway.WithLogLevel(level),
				gateway.WithListenAddr(listenAddr),
				gateway.WithResolver(resolver),
				gateway.WithProvisioner(provisioner),
				gateway.WithSupervisorConfig(supervisor.Config{
					Interpreter:   interpreter,
					SharedDepsDir: depsDir,
					Log:           logger.Sugar(),
				}),
				gateway.WithOneShotTimeout(oneShotTimeout),
			)
			if err != nil {
				return fmt.Errorf("building gateway: %w", err)
			}

			err = gw.Run()
			if err != nil {
				if err != http.ErrServerClosed {
					return err
				}
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
