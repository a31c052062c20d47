package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/culapack/internal/api"
	"github.com/samcharles93/culapack/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		runsPerSecond float64
		burst         int64
	)

	flags := append([]cli.Flag{}, deviceFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Float64Flag{
			Name:        "rate",
			Usage:       "runs accepted per second (0: unlimited)",
			Destination: &runsPerSecond,
		},
		&cli.Int64Flag{
			Name:        "burst",
			Usage:       "runs accepted at once above the rate",
			Value:       4,
			Destination: &burst,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the REST API for submitting runs",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cfg, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			applyServeConfig(cmd, cfg, &addr)
			log := logger.FromContext(ctx)

			s, err := openSession(ctx, cfg, true)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() {
				if err := s.Close(); err != nil {
					log.Warn("close session", "error", err)
				}
			}()

			server := api.NewServer(api.NewRunStore(), s.engine, api.ServerConfig{
				Driver:        s.drv,
				Pool:          s.pool,
				RunsPerSecond: runsPerSecond,
				Burst:         int(burst),
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "driver", s.drv.Name(), "devices", s.pool.Devices())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					srv.BaseContext = func(net.Listener) context.Context { return ctx }
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
