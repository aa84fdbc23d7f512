// Package api serves chat sessions over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gpt2chat/internal/chat"
	"github.com/samcharles93/gpt2chat/internal/logger"
)

type Server struct {
	store    *SessionStore
	runtime  *chat.Runtime
	recorder chat.Recorder
	log      logger.Logger
	clock    func() time.Time
}

// NewServer serves sessions that share rt. recorder may be nil.
func NewServer(store *SessionStore, rt *chat.Runtime, recorder chat.Recorder, log logger.Logger) *Server {
	if store == nil {
		store = NewSessionStore()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:    store,
		runtime:  rt,
		recorder: recorder,
		log:      log,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/chat", s.handleSessionChat)
	e.POST("/v1/sessions/:id/reset", s.handleResetSession)
	e.POST("/v1/chat", s.handleChat)
}

func (s *Server) newSession(id string) *chat.Session {
	sess := chat.NewSession(id, s.runtime, s.log.With("session", id))
	sess.Recorder = s.recorder
	return sess
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	if s.runtime == nil {
		return writeServerError(c, "chat runtime not configured")
	}
	sess, created := s.store.Create(s.newSession, s.clock())
	s.log.Debug("session created", "session", sess.ID)
	return c.JSON(http.StatusOK, sessionResponse(sess, created, false))
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, created, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, sessionResponse(sess, created, true))
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, DeleteSessionResponse{ID: id, Object: "chat.session", Deleted: true})
}

func (s *Server) handleResetSession(c *echo.Context) error {
	sess, created, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	sess.Reset()
	return c.JSON(http.StatusOK, sessionResponse(sess, created, false))
}

func (s *Server) handleSessionChat(c *echo.Context) error {
	req, err := decodeJSON[ChatRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.SessionID != "" && req.SessionID != c.Param("id") {
		return writeBadRequest(c, "session_id does not match the path")
	}
	req.SessionID = c.Param("id")
	return s.chat(c, req, false)
}

func (s *Server) handleChat(c *echo.Context) error {
	req, err := decodeJSON[ChatRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	return s.chat(c, req, req.SessionID == "")
}

func (s *Server) chat(c *echo.Context, req ChatRequest, create bool) error {
	if req.Text == nil {
		return writeBadRequest(c, "text is required")
	}
	var sess *chat.Session
	if create {
		if s.runtime == nil {
			return writeServerError(c, "chat runtime not configured")
		}
		sess, _ = s.store.Create(s.newSession, s.clock())
	} else {
		var ok bool
		if sess, _, ok = s.store.Get(req.SessionID); !ok {
			return writeNotFound(c, "session not found")
		}
	}

	reply, err := sess.Turn(*req.Text)
	if err != nil {
		return s.writeTurnError(c, sess.ID, err)
	}
	return c.JSON(http.StatusOK, ChatResponse{
		ID:     sess.ID,
		Object: "chat.reply",
		Reply:  reply.Text,
		Tokens: len(reply.TokenIDs),
		Turns:  len(sess.History()),
		TPS:    reply.Stats.TPS,
	})
}

func (s *Server) writeTurnError(c *echo.Context, id string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, chat.ErrNotInitialized):
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error())
	default:
		s.log.Error("chat turn failed", "session", id, "err", err)
		return writeServerError(c, err.Error())
	}
}

func sessionResponse(sess *chat.Session, created time.Time, withHistory bool) SessionResponse {
	turns := sess.History()
	resp := SessionResponse{
		ID:        sess.ID,
		Object:    "chat.session",
		CreatedAt: created.Unix(),
		Turns:     len(turns),
	}
	if withHistory {
		resp.History = make([][]int, len(turns))
		for i, t := range turns {
			resp.History[i] = []int(t)
		}
	}
	return resp
}
