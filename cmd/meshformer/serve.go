package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshformer/internal/api"
	"github.com/samcharles93/meshformer/internal/train"
)

func serveCmd() *cli.Command {
	var (
		f           runFlags
		readTimeout time.Duration
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the training control plane over HTTP",
		Flags: append(configFlags(&f),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address (overrides run.server_address)",
				Destination: &f.addr,
			},
			&cli.StringFlag{
				Name:        "checkpoint-dir",
				Usage:       "directory for checkpoints requested without a path",
				Destination: &f.checkpointDir,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd, &f)
			if err != nil {
				return err
			}
			session := train.NewSession(rt.trainer, rt.state)
			server := api.NewServer(session, api.Options{
				CheckpointDir: rt.file.Run.CheckpointDir,
				Logger:        rt.log,
			})

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			addr := rt.file.Run.ServerAddress
			rt.log.Info("starting server", "address", addr, "run", rt.trainer.RunID())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
