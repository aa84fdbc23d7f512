package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// Roles of recorded turns.
const (
	RoleUser      = "user"
	RoleAssistant = "chatbot"
)

// busyTimeout bounds how long a writer waits for a concurrent lock.
const busyTimeout = 5 * time.Second

// Entry is one recorded turn.
type Entry struct {
	Role      string
	Text      string
	TokenIDs  []int
	CreatedAt time.Time
}

// Store persists conversation transcripts in SQLite, keyed by session id.
type Store struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
	mu         sync.RWMutex
}

// OpenStore opens (and initializes) the database file at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history store path must not be empty")
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", storeDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := bootstrap(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.insertStmt, `INSERT INTO turns (session, role, text, token_ids, created_at) VALUES (?, ?, ?, ?, ?)`},
		{&s.selectStmt, `SELECT role, text, token_ids, created_at FROM turns WHERE session = ? ORDER BY id ASC`},
		{&s.deleteStmt, `DELETE FROM turns WHERE session = ?`},
	}
	for _, st := range stmts {
		prepared, err := db.Prepare(st.query)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("prepare statement: %w", err)
		}
		*st.dst = prepared
	}
	return s, nil
}

// storeDSN builds a modernc.org/sqlite DSN; pragmas are applied on every
// new connection.
func storeDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeout.Milliseconds())
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return fmt.Errorf("configure history store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			token_ids TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS turns_session ON turns (session, id);
	`); err != nil {
		return fmt.Errorf("create turns table: %w", err)
	}
	return nil
}

func (s *Store) stmt(p **sql.Stmt) (*sql.Stmt, error) {
	if s == nil {
		return nil, errors.New("history store is not open")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil || *p == nil {
		return nil, errors.New("history store is closed")
	}
	return *p, nil
}

// Record appends a turn to the transcript of session.
func (s *Store) Record(session, role string, ids []int, text string) error {
	if session == "" {
		return errors.New("session must not be empty")
	}
	if role == "" {
		return errors.New("role must not be empty")
	}
	stmt, err := s.stmt(&s.insertStmt)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []int{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode token ids: %w", err)
	}
	if _, err := stmt.Exec(session, role, text, string(encoded), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// Turns returns the transcript of session, oldest first.
func (s *Store) Turns(session string) ([]Entry, error) {
	stmt, err := s.stmt(&s.selectStmt)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(session)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			encoded string
			ts      int64
		)
		if err := rows.Scan(&e.Role, &e.Text, &encoded, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &e.TokenIDs); err != nil {
			return nil, fmt.Errorf("decode token ids: %w", err)
		}
		e.CreatedAt = time.Unix(0, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return entries, nil
}

// Clear deletes the transcript of session.
func (s *Store) Clear(session string) error {
	stmt, err := s.stmt(&s.deleteStmt)
	if err != nil {
		return err
	}
	if _, err := stmt.Exec(session); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	return nil
}

// Close releases the statements and the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range []**sql.Stmt{&s.insertStmt, &s.selectStmt, &s.deleteStmt} {
		if *st != nil {
			_ = (*st).Close()
			*st = nil
		}
	}
	err := s.db.Close()
	s.db = nil
	return err
}
