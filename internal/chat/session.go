package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/gpt2chat/internal/history"
	"github.com/samcharles93/gpt2chat/internal/inference"
	"github.com/samcharles93/gpt2chat/internal/logger"
	"github.com/samcharles93/gpt2chat/internal/logits"
	"github.com/samcharles93/gpt2chat/internal/tokenizer"
)

// Recorder mirrors the history of a session, for example into a
// history.Store.
type Recorder interface {
	Record(session, role string, ids []int, text string) error
	Turns(session string) ([]history.Entry, error)
	Clear(session string) error
}

// Reply is the outcome of one turn.
type Reply struct {
	Text     string
	TokenIDs []int
	Stats    inference.Stats
}

// Session is one conversation. Turns are serialised; several sessions may
// share a Runtime.
type Session struct {
	ID       string
	Config   Config
	Log      logger.Logger
	Recorder Recorder

	mu      sync.Mutex
	rt      *Runtime
	owned   bool
	hist    history.History
	decoder *inference.Decoder
}

// NewSession returns a ready session on a shared runtime.
func NewSession(id string, rt *Runtime, log logger.Logger) *Session {
	s := &Session{ID: id, Config: rt.Config, Log: log}
	s.attach(rt, false)
	return s
}

func (s *Session) logger() logger.Logger {
	if s.Log == nil {
		return logger.Discard()
	}
	return s.Log
}

func (s *Session) attach(rt *Runtime, owned bool) {
	cfg := rt.Config
	s.rt = rt
	s.owned = owned
	s.decoder = &inference.Decoder{
		Engine: rt.Engine,
		Sampler: &logits.Sampler{
			Source: rt.Source,
			TopK:   cfg.TopK,
			Banned: []int{tokenizer.UnusedID},
		},
		MaxLen:     cfg.MaxLen,
		StopID:     tokenizer.SepID,
		MaxContext: cfg.MaxContext,
		StartID:    tokenizer.StartID,
	}
}

// Initialize loads the vocabulary and model for this session using Config
// for everything but the paths. On failure the session stays unusable until
// a later Initialize succeeds.
func (s *Session) Initialize(ctx context.Context, modelPath, vocabPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detach()
	cfg := s.Config
	cfg.ModelPath = modelPath
	cfg.VocabPath = vocabPath
	rt, err := Load(ctx, cfg, s.logger())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	s.attach(rt, true)
	return nil
}

func (s *Session) detach() {
	if s.owned {
		s.rt.Close()
	}
	s.rt = nil
	s.owned = false
	s.decoder = nil
}

// Chat runs one turn and returns the reply text.
func (s *Session) Chat(text string) (string, error) {
	r, err := s.Turn(text)
	if err != nil {
		return "", err
	}
	return r.Text, nil
}

// Turn records text as a user turn, generates a reply from the recent
// history and records it. If generation fails the user turn stays in the
// history and no reply is recorded.
func (s *Session) Turn(text string) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rt == nil {
		return Reply{}, ErrNotInitialized
	}
	log := s.logger()

	ids, err := s.rt.Tokenizer.Encode(text)
	if err != nil {
		return Reply{}, fmt.Errorf("encode: %w", err)
	}
	s.hist.Append(ids)
	s.record(history.RoleUser, ids, text)

	ctx := s.hist.Assemble(s.rt.Config.MaxHistory)
	reply, stats, err := s.decoder.Decode(ctx)
	if err != nil {
		log.Error("turn failed", "session", s.ID, "context_tokens", ctx.Len(), "err", err)
		return Reply{}, fmt.Errorf("generate reply: %w", err)
	}
	s.hist.Append(reply)

	out, err := s.rt.Tokenizer.Decode(reply)
	if err != nil {
		return Reply{}, fmt.Errorf("decode: %w", err)
	}
	s.record(history.RoleAssistant, reply, out)

	log.Debug("turn finished",
		"session", s.ID,
		"context_tokens", ctx.Len(),
		"tokens", stats.TokensGenerated,
		"steps", stats.Steps,
		"took", stats.Duration,
		"tps", stats.TPS,
	)
	return Reply{Text: out, TokenIDs: reply, Stats: stats}, nil
}

func (s *Session) record(role string, ids []int, text string) {
	if s.Recorder == nil {
		return
	}
	if err := s.Recorder.Record(s.ID, role, ids, text); err != nil {
		s.logger().Warn("record turn", "session", s.ID, "role", role, "err", err)
	}
}

// Reset forgets the conversation.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist.Reset()
	if s.Recorder != nil {
		if err := s.Recorder.Clear(s.ID); err != nil {
			s.logger().Warn("clear transcript", "session", s.ID, "err", err)
		}
	}
}

// History returns a copy of the stored turns.
func (s *Session) History() []history.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Turns()
}

// Resume replaces the history with the transcript held by the recorder and
// returns the number of turns restored.
func (s *Session) Resume() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Recorder == nil {
		return 0, nil
	}
	entries, err := s.Recorder.Turns(s.ID)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	s.hist.Reset()
	for _, e := range entries {
		s.hist.Append(e.TokenIDs)
	}
	return len(entries), nil
}

// Close releases a runtime loaded by Initialize.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt != nil {
		s.detach()
	}
}
