// Package chat ties the vocabulary, the model and the decoder into
// conversational sessions.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/gpt2chat/internal/inference"
	"github.com/samcharles93/gpt2chat/internal/logger"
	"github.com/samcharles93/gpt2chat/internal/logits"
	"github.com/samcharles93/gpt2chat/internal/model"
	"github.com/samcharles93/gpt2chat/internal/ops"
	"github.com/samcharles93/gpt2chat/internal/tensor"
	"github.com/samcharles93/gpt2chat/internal/tokenizer"
)

const (
	DefaultTopK       = 8
	DefaultMaxHistory = 3
	DefaultMaxLen     = 25
)

var (
	// ErrNotInitialized is returned by sessions without a loaded runtime.
	ErrNotInitialized = errors.New("chat: session is not initialized")
	// ErrVocabMismatch is returned when the vocabulary and the model
	// disagree on the number of ids.
	ErrVocabMismatch = errors.New("chat: vocabulary size mismatch")
)

// Config holds load-time and per-turn settings.
type Config struct {
	ModelPath string
	VocabPath string
	// Threads sizes the model worker pool; zero uses every CPU.
	Threads int
	// PoolBytes caps the intermediate blob pool; zero is unlimited.
	PoolBytes int64
	OOV       tokenizer.OOVPolicy
	Seed      int64

	MaxHistory int
	MaxLen     int
	TopK       int
	// MaxContext caps the tokens of one forward pass. Load sets it to the
	// model's n_positions; zero is unlimited.
	MaxContext int
}

func (c Config) withDefaults() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.MaxLen <= 0 {
		c.MaxLen = DefaultMaxLen
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	return c
}

// Runtime is the shared, read-only part of every session.
type Runtime struct {
	Tokenizer tokenizer.Tokenizer
	Engine    inference.Engine
	Source    logits.Source
	Config    Config

	net *model.Net
}

// NewRuntime assembles a runtime from already constructed parts.
func NewRuntime(tok tokenizer.Tokenizer, engine inference.Engine, src logits.Source, cfg Config) *Runtime {
	if src == nil {
		src = logits.NewSource(cfg.Seed)
	}
	return &Runtime{Tokenizer: tok, Engine: engine, Source: src, Config: cfg.withDefaults()}
}

// Load reads the vocabulary and the model concurrently and checks that
// they agree on the vocabulary size.
func Load(ctx context.Context, cfg Config, log logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.Discard()
	}
	cfg = cfg.withDefaults()
	start := time.Now()

	var (
		vocab *tokenizer.Vocab
		net   *model.Net
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := tokenizer.Load(cfg.VocabPath)
		if err != nil {
			return err
		}
		v.OOV = cfg.OOV
		v.Log = log.With("component", "tokenizer")
		vocab = v
		return nil
	})
	g.Go(func() error {
		n, err := loadNet(gctx, cfg)
		if err != nil {
			return err
		}
		net = n
		return nil
	})
	if err := g.Wait(); err != nil {
		if net != nil {
			net.Close()
		}
		return nil, err
	}

	mcfg := net.Config()
	if vocab.Size() != mcfg.VocabSize || vocab.Size() != tokenizer.VocabSize {
		net.Close()
		return nil, fmt.Errorf("%w: vocabulary has %d ids, model %d, expected %d", ErrVocabMismatch, vocab.Size(), mcfg.VocabSize, tokenizer.VocabSize)
	}

	log.Info("runtime loaded",
		"vocab", vocab.Size(),
		"layers", mcfg.NLayer,
		"embd", mcfg.NEmbd,
		"positions", mcfg.NPositions,
		"threads", cfg.Threads,
		"took", time.Since(start),
	)
	if cfg.MaxContext <= 0 || cfg.MaxContext > mcfg.NPositions {
		cfg.MaxContext = mcfg.NPositions
	}
	rt := NewRuntime(vocab, inference.NewNetEngine(net), logits.NewSource(cfg.Seed), cfg)
	rt.net = net
	return rt, nil
}

func loadNet(ctx context.Context, cfg Config) (*model.Net, error) {
	configPath, weightsPath, err := model.ResolveArtifact(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	net := model.NewNet()
	net.Opt = model.Option{
		NumThreads:         cfg.Threads,
		LightMode:          true,
		BlobAllocator:      tensor.NewPoolAllocator(cfg.PoolBytes),
		WorkspaceAllocator: tensor.NewPoolAllocator(0),
	}
	if err := net.RegisterCustomLayer(ops.NameDivTrilWhere, ops.NewDivTrilWhere); err != nil {
		return nil, err
	}
	if err := net.RegisterCustomLayer(ops.NameGather, ops.NewGather); err != nil {
		return nil, err
	}
	if err := net.Load(configPath, weightsPath); err != nil {
		return nil, err
	}
	return net, nil
}

// Close releases the model when the runtime owns one.
func (r *Runtime) Close() {
	if r != nil && r.net != nil {
		r.net.Close()
		r.net = nil
	}
}
