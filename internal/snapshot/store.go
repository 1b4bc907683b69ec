package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ambiware-labs/parley/internal/config"
	"github.com/ambiware-labs/parley/internal/conversation"
)

// Message is one stored assistant message.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	AudioURL       string
	Feedback       []byte
	CreatedAt      time.Time
}

// Store keeps a best-effort durable copy of conversation snapshots and
// assistant messages in SQLite. The in-memory registry stays authoritative
// for live traffic; this store only seeds cold connects and survives
// restarts.
type Store struct {
	db    *sql.DB
	cfg   config.SnapshotStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral mode every
// operation is a no-op and loads report absent.
func Open(ctx context.Context, cfg config.SnapshotStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("snapshot store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("snapshot store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS conversation_states (
    conversation_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    transcript TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    audio_url TEXT,
    feedback BLOB,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Healthy() bool {
	if s == nil {
		return false
	}
	if s.db == nil {
		return true
	}
	return s.db.Ping() == nil
}

// SaveSnapshot upserts the durable copy of a session. Interim transcript is
// deliberately not stored; it is ephemeral display state.
func (s *Store) SaveSnapshot(ctx context.Context, sess conversation.Session) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_states(conversation_id, state, transcript, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   state=excluded.state, transcript=excluded.transcript, updated_at=excluded.updated_at`,
		sess.ID, string(sess.State), sess.Transcript, sess.UpdatedAt.UTC())
	return err
}

// LoadSnapshot returns the durable session copy, if one exists. Used only
// to seed a cold registry on first connect.
func (s *Store) LoadSnapshot(ctx context.Context, conversationID string) (conversation.Session, bool, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return conversation.Session{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT state, transcript, updated_at FROM conversation_states WHERE conversation_id = ?`,
		conversationID)

	var stateValue, transcript, updated string
	if err := row.Scan(&stateValue, &transcript, &updated); err != nil {
		if err == sql.ErrNoRows {
			return conversation.Session{}, false, nil
		}
		return conversation.Session{}, false, err
	}

	state, err := conversation.ParseState(stateValue)
	if err != nil {
		return conversation.Session{}, false, fmt.Errorf("stored state: %w", err)
	}
	sess := conversation.Session{ID: conversationID, State: state, Transcript: transcript}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		sess.UpdatedAt = ts
	}
	return sess, true, nil
}

// DeleteSnapshot removes the durable copy and its messages.
func (s *Store) DeleteSnapshot(ctx context.Context, conversationID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE conversation_id = ?`, conversationID)
	return err
}

// SaveMessage records an assistant message and returns its id. In
// ephemeral mode an id is still minted so clients get a stable reference.
func (s *Store) SaveMessage(ctx context.Context, conversationID, role, content, audioURL string, feedback []byte) (string, error) {
	id := uuid.NewString()
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return id, nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, role, content, audio_url, feedback, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		id, conversationID, role, content, audioURL, feedback, s.clock().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListMessages retrieves up to limit messages ordered ascending by time.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, COALESCE(audio_url, ''), feedback, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.AudioURL, &m.Feedback, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.CreatedAt = ts
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM conversation_states WHERE updated_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxConversations > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM conversation_states WHERE conversation_id IN (
			SELECT conversation_id FROM conversation_states ORDER BY updated_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxConversations)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
