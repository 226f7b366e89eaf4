// Package sqlitestore persists chat history in a local SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/Prismer-AI/chatsync"
)

// Store is a chatsync.Storage backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ chatsync.Storage = &Store{}

// DSNForFile returns a DSN for a database file with WAL enabled.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

// New opens the database and creates the schema if needed.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
		  id TEXT PRIMARY KEY,
		  sender_id TEXT NOT NULL,
		  receiver_id TEXT NOT NULL,
		  partner_id TEXT NOT NULL,
		  from_self INTEGER NOT NULL,
		  content TEXT NOT NULL,
		  created_at_ns INTEGER NOT NULL,
		  read INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_partner
		  ON chat_messages(partner_id, created_at_ns);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_created
		  ON chat_messages(created_at_ns);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

// PutMessages inserts unseen messages. For known ids only the read flag can
// change, and only from 0 to 1.
func (s *Store) PutMessages(ctx context.Context, msgs []chatsync.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages (
			id, sender_id, receiver_id, partner_id, from_self, content, created_at_ns, read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			read = CASE
				WHEN excluded.read = 1 OR chat_messages.read = 1 THEN 1
				ELSE 0
			END
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite store: prepare upsert")
	}
	defer stmt.Close()

	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" {
			return errors.New("sqlite store: message id is empty")
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.SenderID, m.ReceiverID, m.PartnerID(),
			boolToInt(m.FromSelf), m.Content, m.CreatedAt.UnixNano(), boolToInt(m.Read),
		); err != nil {
			return errors.Wrapf(err, "sqlite store: upsert message %s", m.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite store: commit")
	}
	return nil
}

const selectColumns = `id, sender_id, receiver_id, from_self, content, created_at_ns, read`

func (s *Store) Messages(ctx context.Context) ([]chatsync.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM chat_messages
		ORDER BY created_at_ns ASC, id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query messages")
	}
	return scanMessages(rows)
}

// ConversationMessages returns the latest limit messages with partnerID in
// chronological order. limit <= 0 returns all.
func (s *Store) ConversationMessages(ctx context.Context, partnerID string, limit int) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM (
			SELECT * FROM chat_messages
			WHERE partner_id = ?
			ORDER BY created_at_ns DESC, id DESC
			LIMIT ?
		) ORDER BY created_at_ns ASC, id ASC
	`, partnerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query conversation")
	}
	return scanMessages(rows)
}

func (s *Store) MarkRead(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET read = 1 WHERE id = ?`, messageID); err != nil {
		return errors.Wrap(err, "sqlite store: mark read")
	}
	return nil
}

// Search matches content case-insensitively (ASCII), newest first.
func (s *Store) Search(ctx context.Context, query, partnerID string, limit int) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM chat_messages
		WHERE content LIKE ? ESCAPE '\'
		  AND (? = '' OR partner_id = ?)
		ORDER BY created_at_ns DESC, id DESC
		LIMIT ?
	`, pattern, partnerID, partnerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: search")
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]chatsync.Message, error) {
	defer rows.Close()
	var out []chatsync.Message
	for rows.Next() {
		var (
			m         chatsync.Message
			fromSelf  int64
			read      int64
			createdNs int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &fromSelf, &m.Content, &createdNs, &read); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan message")
		}
		m.FromSelf = fromSelf == 1
		m.Read = read == 1
		m.CreatedAt = time.Unix(0, createdNs).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate messages")
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
