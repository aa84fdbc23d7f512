package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gpt2chat/internal/chat"
	"github.com/samcharles93/gpt2chat/internal/history"
	"github.com/samcharles93/gpt2chat/internal/logger"
)

const (
	userPrompt   = "user: "
	botPrompt    = "chatbot: "
	cmdQuit      = "quit"
	cmdRefresh   = "refresh"
	refreshReply = "(history cleared)"
)

type lineReader interface {
	ReadLine(prompt string) (string, error)
}

func chatCmd() *cli.Command {
	var prompt string

	flags := append(commonModelFlags(), historyFlags()...)
	flags = append(flags, &cli.StringFlag{
		Name:        "prompt",
		Aliases:     []string{"p"},
		Usage:       "run a single turn and exit",
		Destination: &prompt,
	})

	return &cli.Command{
		Name:  "chat",
		Usage: "Talk to the model on the console",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			cfg, err := runtimeConfig(fileConfig, time.Now())
			if err != nil {
				return cli.Exit(err, 1)
			}

			rt, err := chat.Load(ctx, cfg, log)
			if err != nil {
				return cli.Exit(fmt.Errorf("load: %w", err), 1)
			}
			defer rt.Close()

			id := sessionID
			if id == "" {
				id = uuid.NewString()
			}
			sess := chat.NewSession(id, rt, log)

			if historyDB != "" {
				store, err := history.OpenStore(historyDB)
				if err != nil {
					return cli.Exit(err, 1)
				}
				defer func() { _ = store.Close() }()
				sess.Recorder = store
				if sessionID != "" {
					n, err := sess.Resume()
					if err != nil {
						return cli.Exit(err, 1)
					}
					log.Info("session resumed", "session", id, "turns", n)
				}
			}

			if prompt != "" {
				reply, err := sess.Chat(prompt)
				if err != nil {
					return cli.Exit(err, 1)
				}
				fmt.Println(reply)
				return nil
			}

			log.Debug("console ready", "session", id)
			return runConsole(ctx, sess, newConsole(os.Stdin, os.Stdout), os.Stdout, log)
		},
	}
}

// runConsole alternates user and chatbot lines until quit, end of input or
// cancellation. A failed turn is logged and the loop continues.
func runConsole(ctx context.Context, sess *chat.Session, in lineReader, out io.Writer, log logger.Logger) error {
	for ctx.Err() == nil {
		line, err := in.ReadLine(userPrompt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		text := strings.TrimSpace(line)
		switch text {
		case "":
			continue
		case cmdQuit:
			return nil
		case cmdRefresh:
			sess.Reset()
			_, _ = fmt.Fprintln(out, refreshReply)
			continue
		}

		reply, err := sess.Turn(text)
		if err != nil {
			log.Error("turn failed", "session", sess.ID, "err", err)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s%s\n", botPrompt, reply.Text)
		log.Debug("reply", "tokens", reply.Stats.TokensGenerated, "tps", reply.Stats.TPS)
	}
	return nil
}
