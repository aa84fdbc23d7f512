package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/samcharles93/gpt2chat/internal/chat"
	"github.com/samcharles93/gpt2chat/internal/logger"
	"github.com/samcharles93/gpt2chat/internal/logits"
	"github.com/samcharles93/gpt2chat/internal/tensor"
	"github.com/samcharles93/gpt2chat/internal/tokenizer"
)

const (
	testVocabSize = 120
	idO           = 113
)

// echoEngine answers "o" after a separator and stops otherwise.
type echoEngine struct {
	fail error
}

func (e *echoEngine) Forward(ids, pos []int) (tensor.Blob, error) {
	if e.fail != nil {
		return tensor.Blob{}, e.fail
	}
	out, err := tensor.NewBlob(nil, testVocabSize, len(ids), 1)
	if err != nil {
		return tensor.Blob{}, err
	}
	next := tokenizer.SepID
	if ids[len(ids)-1] == tokenizer.SepID {
		next = idO
	}
	out.Row(len(ids) - 1)[next] = 100
	return out, nil
}

type scriptedLines struct {
	lines   []string
	prompts []string
}

func (s *scriptedLines) ReadLine(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func newConsoleSession(t *testing.T, eng *echoEngine) *chat.Session {
	t.Helper()
	lines := make([]string, testVocabSize)
	for i := range lines {
		lines[i] = "[unused" + strconv.Itoa(i) + "]"
	}
	lines[110], lines[111], lines[idO] = "h", "i", "o"
	vocab, err := tokenizer.Read(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("vocab: %v", err)
	}
	rt := chat.NewRuntime(vocab, eng, logits.NewSource(1), chat.Config{})
	return chat.NewSession("console", rt, logger.Discard())
}

func TestRunConsole(t *testing.T) {
	t.Parallel()
	sess := newConsoleSession(t, &echoEngine{})
	in := &scriptedLines{lines: []string{"hi", "  ", "refresh", " hi ", "quit", "never read"}}
	var out bytes.Buffer

	if err := runConsole(context.Background(), sess, in, &out, logger.Discard()); err != nil {
		t.Fatalf("runConsole: %v", err)
	}
	want := "chatbot: o\n(history cleared)\nchatbot: o\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
	if len(in.lines) != 1 {
		t.Fatalf("console kept reading after quit, %d lines left", len(in.lines))
	}
	if in.prompts[0] != userPrompt {
		t.Fatalf("prompt = %q, want %q", in.prompts[0], userPrompt)
	}
	if got := sess.History(); len(got) != 2 {
		t.Fatalf("history after refresh has %d turns, want 2", len(got))
	}
}

func TestRunConsoleStopsAtEOF(t *testing.T) {
	t.Parallel()
	sess := newConsoleSession(t, &echoEngine{})
	in := &scriptedLines{lines: []string{"hi"}}
	var out bytes.Buffer
	if err := runConsole(context.Background(), sess, in, &out, logger.Discard()); err != nil {
		t.Fatalf("runConsole: %v", err)
	}
	if out.String() != "chatbot: o\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunConsoleContinuesAfterFailedTurn(t *testing.T) {
	t.Parallel()
	sess := newConsoleSession(t, &echoEngine{fail: errors.New("boom")})
	in := &scriptedLines{lines: []string{"hi", "hi"}}
	var out bytes.Buffer
	if err := runConsole(context.Background(), sess, in, &out, logger.Discard()); err != nil {
		t.Fatalf("runConsole: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output %q", out.String())
	}
	if len(in.prompts) != 3 {
		t.Fatalf("read %d lines, want 3 prompts (two turns then EOF)", len(in.prompts))
	}
	// Both user turns stay in the history.
	if got := sess.History(); len(got) != 2 {
		t.Fatalf("history has %d turns, want 2", len(got))
	}
}

func TestRunConsoleCancelled(t *testing.T) {
	t.Parallel()
	sess := newConsoleSession(t, &echoEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := &scriptedLines{lines: []string{"hi"}}
	if err := runConsole(ctx, sess, in, io.Discard, logger.Discard()); err != nil {
		t.Fatalf("runConsole: %v", err)
	}
	if len(in.prompts) != 0 {
		t.Fatal("cancelled console should not prompt")
	}
}

type failingLines struct{ err error }

func (f failingLines) ReadLine(string) (string, error) { return "", f.err }

func TestRunConsoleReadError(t *testing.T) {
	t.Parallel()
	sess := newConsoleSession(t, &echoEngine{})
	want := errors.New("read failed")
	err := runConsole(context.Background(), sess, failingLines{want}, io.Discard, logger.Discard())
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
