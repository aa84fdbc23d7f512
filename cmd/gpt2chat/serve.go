package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gpt2chat/internal/api"
	"github.com/samcharles93/gpt2chat/internal/chat"
	"github.com/samcharles93/gpt2chat/internal/history"
	"github.com/samcharles93/gpt2chat/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "history-db",
			Usage:       "sqlite file that keeps conversation transcripts",
			Destination: &historyDB,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the chat sessions over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			applyServeConfig(cmd, fileConfig, &addr)
			cfg, err := runtimeConfig(fileConfig, time.Now())
			if err != nil {
				return cli.Exit(err, 1)
			}

			rt, err := chat.Load(ctx, cfg, log)
			if err != nil {
				return cli.Exit(fmt.Errorf("load: %w", err), 1)
			}
			defer rt.Close()

			var recorder chat.Recorder
			if historyDB != "" {
				store, err := history.OpenStore(historyDB)
				if err != nil {
					return cli.Exit(err, 1)
				}
				defer func() { _ = store.Close() }()
				recorder = store
			}

			server := api.NewServer(api.NewSessionStore(), rt, recorder, log.With("component", "api"))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
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
