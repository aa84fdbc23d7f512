package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gpt2chat/internal/chat"
	"github.com/samcharles93/gpt2chat/internal/logits"
	"github.com/samcharles93/gpt2chat/internal/tensor"
	"github.com/samcharles93/gpt2chat/internal/tokenizer"
)

const testVocabSize = 120

// echoEngine always favours 'o' once, then the separator.
type echoEngine struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *echoEngine) Forward(ids, pos []int) (tensor.Blob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return tensor.Blob{}, e.err
	}
	next := 113
	if e.calls%2 == 1 {
		next = tokenizer.SepID
	}
	e.calls++
	out, _ := tensor.NewBlob(nil, testVocabSize, len(ids), 1)
	out.Row(len(ids) - 1)[next] = 100
	return out, nil
}

func newTestEcho(t *testing.T, eng *echoEngine) *echo.Echo {
	t.Helper()
	lines := make([]string, testVocabSize)
	for i := range lines {
		lines[i] = "[t]"
	}
	lines[110], lines[111], lines[113] = "h", "i", "o"
	vocab, err := tokenizer.Read(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatal(err)
	}
	rt := chat.NewRuntime(vocab, eng, logits.NewSource(1), chat.Config{})
	e := echo.New()
	NewServer(nil, rt, nil, nil).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, &echoEngine{})

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create status %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[SessionResponse](t, rec)
	if !strings.HasPrefix(created.ID, "sess_") || created.Turns != 0 {
		t.Fatalf("unexpected session %+v", created)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/sessions/"+created.ID+"/chat", `{"text":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status %d body=%s", rec.Code, rec.Body.String())
	}
	reply := decodeBody[ChatResponse](t, rec)
	if reply.ID != created.ID || reply.Reply != "o" || reply.Tokens != 1 || reply.Turns != 2 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID, "")
	got := decodeBody[SessionResponse](t, rec)
	if got.Turns != 2 || len(got.History) != 2 || len(got.History[0]) != 2 {
		t.Fatalf("unexpected session state %+v", got)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/sessions/"+created.ID+"/reset", "")
	if rec.Code != http.StatusOK || decodeBody[SessionResponse](t, rec).Turns != 0 {
		t.Fatalf("reset failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodDelete, "/v1/sessions/"+created.ID, "")
	if rec.Code != http.StatusOK || !decodeBody[DeleteSessionResponse](t, rec).Deleted {
		t.Fatalf("delete failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestChatCreatesSession(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, &echoEngine{})

	rec := doJSON(t, e, http.MethodPost, "/v1/chat", `{"text":"h"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	first := decodeBody[ChatResponse](t, rec)
	if first.ID == "" || first.Turns != 2 {
		t.Fatalf("unexpected reply %+v", first)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/chat", `{"session_id":"`+first.ID+`","text":"i"}`)
	second := decodeBody[ChatResponse](t, rec)
	if second.ID != first.ID || second.Turns != 4 {
		t.Fatalf("expected the same session to continue, got %+v", second)
	}
}

func TestChatErrors(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t, &echoEngine{})
	created := decodeBody[SessionResponse](t, doJSON(t, e, http.MethodPost, "/v1/sessions", ""))

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		errTyp string
	}{
		{"bad json", "/v1/chat", `{"text":`, http.StatusBadRequest, "invalid_request_error"},
		{"missing text", "/v1/chat", `{}`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown field", "/v1/chat", `{"text":"h","temperature":2}`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown session", "/v1/chat", `{"session_id":"sess_nope","text":"h"}`, http.StatusNotFound, "not_found_error"},
		{"unknown path session", "/v1/sessions/sess_nope/chat", `{"text":"h"}`, http.StatusNotFound, "not_found_error"},
		{"mismatched id", "/v1/sessions/" + created.ID + "/chat", `{"session_id":"other","text":"h"}`, http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, tc.path, tc.body)
		if rec.Code != tc.status {
			t.Errorf("%s: status %d, want %d (body=%s)", tc.name, rec.Code, tc.status, rec.Body.String())
			continue
		}
		if got := decodeBody[ErrorResponse](t, rec); got.Error.Type != tc.errTyp || got.Error.Message == "" {
			t.Errorf("%s: unexpected error body %+v", tc.name, got)
		}
	}
}

func TestChatTurnFailure(t *testing.T) {
	t.Parallel()
	eng := &echoEngine{err: errors.New("allocation failed")}
	e := newTestEcho(t, eng)
	created := decodeBody[SessionResponse](t, doJSON(t, e, http.MethodPost, "/v1/sessions", ""))

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+created.ID+"/chat", `{"text":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "allocation failed") {
		t.Fatalf("error body %s", rec.Body.String())
	}
	got := decodeBody[SessionResponse](t, doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID, ""))
	if got.Turns != 1 {
		t.Fatalf("failed turn should keep only the user turn, got %d turns", got.Turns)
	}
}

func TestServerWithoutRuntime(t *testing.T) {
	t.Parallel()
	e := echo.New()
	NewServer(nil, nil, nil, nil).Register(e)
	if rec := doJSON(t, e, http.MethodPost, "/v1/sessions", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/chat", `{"text":"h"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rec.Code)
	}
}

func TestSessionStore(t *testing.T) {
	t.Parallel()
	s := NewSessionStore()
	rt := chat.NewRuntime(nil, &echoEngine{}, logits.NewSource(1), chat.Config{})
	a, _ := s.Create(func(id string) *chat.Session { return chat.NewSession(id, rt, nil) }, timeZero)
	b, _ := s.Create(func(id string) *chat.Session { return chat.NewSession(id, rt, nil) }, timeZero)
	if a.ID == b.ID {
		t.Fatal("session ids must be unique")
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d", s.Len())
	}
	if !s.Delete(a.ID) || s.Delete(a.ID) {
		t.Fatal("Delete should succeed exactly once")
	}
	if _, _, ok := s.Get(b.ID); !ok {
		t.Fatal("remaining session missing")
	}
}

var timeZero = time.Unix(0, 0)
