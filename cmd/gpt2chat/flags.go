package main

import "github.com/urfave/cli/v3"

var (
	modelPath string
	vocabPath string
	threads   int64
	poolMB    int64
	seed      int64
	oovPolicy string
	historyDB string
	sessionID string
	logLevel  string
	logFormat string
	debug     bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model directory or .safetensors file (config.json alongside)",
			Sources:     cli.EnvVars("GPT2CHAT_MODEL"),
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "vocab",
			Usage:       "path to vocab.txt (one token per line)",
			Sources:     cli.EnvVars("GPT2CHAT_VOCAB"),
			Destination: &vocabPath,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "worker threads for the forward pass (0 = all CPUs)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "pool-mb",
			Usage:       "cap on pooled intermediate buffers in MiB (0 = unlimited)",
			Destination: &poolMB,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = time based)",
			Value:       -1,
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "oov",
			Usage:       "handling of characters missing from the vocabulary (skip, unknown)",
			Value:       "skip",
			Destination: &oovPolicy,
		},
	}
}

func historyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "history-db",
			Usage:       "sqlite file that keeps conversation transcripts",
			Destination: &historyDB,
		},
		&cli.StringFlag{
			Name:        "session",
			Usage:       "session id to resume from --history-db",
			Destination: &sessionID,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
