package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/gpt2chat/internal/chat"
	"github.com/samcharles93/gpt2chat/internal/tokenizer"
)

// Config represents the gpt2chat configuration file (~/.config/gpt2chat/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	Model *string `yaml:"model"`
	Vocab *string `yaml:"vocab"`

	// Engine
	Threads *int64 `yaml:"threads"`
	PoolMB  *int64 `yaml:"pool_mb"`

	// Sampling
	Seed       *int64  `yaml:"seed"`
	OOV        *string `yaml:"oov"`
	TopK       *int    `yaml:"top_k"`
	MaxLen     *int    `yaml:"max_len"`
	MaxHistory *int    `yaml:"max_history"`

	// Transcripts
	HistoryDB *string `yaml:"history_db"`

	// Output
	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`

	// Server
	ServerAddress *string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "gpt2chat", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file defaults to the logging flags
// when they were not given on the command line.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != nil && !c.IsSet("log-level") {
		logLevel = *cfg.LogLevel
	}
	if cfg.LogFormat != nil && !c.IsSet("log-format") {
		logFormat = *cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the model and history
// flags. Flags and their environment variables win over the file.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != nil && !c.IsSet("model") {
		modelPath = *cfg.Model
	}
	if cfg.Vocab != nil && !c.IsSet("vocab") {
		vocabPath = *cfg.Vocab
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.PoolMB != nil && !c.IsSet("pool-mb") {
		poolMB = *cfg.PoolMB
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.OOV != nil && !c.IsSet("oov") {
		oovPolicy = *cfg.OOV
	}
	if cfg.HistoryDB != nil && !c.IsSet("history-db") {
		historyDB = *cfg.HistoryDB
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != nil && !c.IsSet("addr") {
		*addr = *cfg.ServerAddress
	}
}

// runtimeConfig turns the resolved flag values into a chat.Config.
func runtimeConfig(cfg Config, now time.Time) (chat.Config, error) {
	if modelPath == "" {
		return chat.Config{}, errors.New("no model given (use --model or GPT2CHAT_MODEL)")
	}
	if vocabPath == "" {
		return chat.Config{}, errors.New("no vocabulary given (use --vocab or GPT2CHAT_VOCAB)")
	}
	oov, err := tokenizer.ParseOOVPolicy(oovPolicy)
	if err != nil {
		return chat.Config{}, err
	}
	if threads < 0 {
		return chat.Config{}, fmt.Errorf("invalid --threads %d", threads)
	}
	if poolMB < 0 {
		return chat.Config{}, fmt.Errorf("invalid --pool-mb %d", poolMB)
	}
	s := seed
	if s < 0 {
		s = now.UnixNano()
	}
	out := chat.Config{
		ModelPath: modelPath,
		VocabPath: vocabPath,
		Threads:   int(threads),
		PoolBytes: poolMB << 20,
		OOV:       oov,
		Seed:      s,
	}
	if cfg.TopK != nil {
		out.TopK = *cfg.TopK
	}
	if cfg.MaxLen != nil {
		out.MaxLen = *cfg.MaxLen
	}
	if cfg.MaxHistory != nil {
		out.MaxHistory = *cfg.MaxHistory
	}
	return out, nil
}
