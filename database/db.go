// Package database is the sqlite store behind the reference server.
package database

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"

	"claimsync/models"
)

// ErrNotFound is returned when a row does not exist or is not visible to the
// requesting identity.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to dsn and creates the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps in-memory databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT DEFAULT '',
		role TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT DEFAULT 'text',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS message_reads (
		message_id TEXT NOT NULL,
		reader_id TEXT NOT NULL,
		read_at DATETIME NOT NULL,
		PRIMARY KEY (message_id, reader_id)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		recipient_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT DEFAULT '',
		category TEXT DEFAULT '',
		priority TEXT DEFAULT 'medium',
		is_read INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_a ON conversations(user_a);
	CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(user_b);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, seq);
	`

	_, err := s.db.Exec(tables)
	return err
}

// User queries

// UpsertUser creates or updates an identity and binds token to it.
func (s *Store) UpsertUser(ctx context.Context, c models.Contact, token string) error {
	if c.ID == "" || !c.Role.Valid() {
		return fmt.Errorf("invalid user %q with role %q", c.ID, c.Role)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, email, role, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, email = excluded.email, role = excluded.role`,
		c.ID, c.DisplayName, c.Email, string(c.Role), s.now(),
	)
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO tokens (token_hash, user_id) VALUES (?, ?) ON CONFLICT(token_hash) DO UPDATE SET user_id = excluded.user_id",
		hashToken(token), c.ID,
	)
	return err
}

// hashToken digests a bearer token so raw credentials are never stored.
func hashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// UserByToken resolves a bearer token.
func (s *Store) UserByToken(ctx context.Context, token string) (models.Contact, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT u.id, u.display_name, u.email, u.role FROM tokens t
		JOIN users u ON u.id = t.user_id WHERE t.token_hash = ?`,
		hashToken(token),
	))
}

// UserByID retrieves a user by id.
func (s *Store) UserByID(ctx context.Context, id string) (models.Contact, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, display_name, email, role FROM users WHERE id = ?", id,
	))
}

func (s *Store) scanUser(row *sql.Row) (models.Contact, error) {
	var c models.Contact
	var role string
	if err := row.Scan(&c.ID, &c.DisplayName, &c.Email, &role); err != nil {
		return models.Contact{}, notFound(err)
	}
	c.Role = models.Role(role)
	return c, nil
}

// ListContacts returns every identity except exclude whose role is in roles.
func (s *Store) ListContacts(ctx context.Context, exclude string, roles []models.Role) ([]models.Contact, error) {
	if len(roles) == 0 {
		return []models.Contact{}, nil
	}
	args := []any{exclude}
	for _, r := range roles {
		args = append(args, string(r))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, email, role FROM users
		WHERE id != ? AND role IN (`+placeholders(len(roles))+`)
		ORDER BY display_name, id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		var c models.Contact
		var role string
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.Email, &role); err != nil {
			return nil, err
		}
		c.Role = models.Role(role)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// Conversation and message queries

// EnsureConversation creates the conversation between a and b if missing and
// returns its id.
func (s *Store) EnsureConversation(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", fmt.Errorf("invalid participants %q and %q", a, b)
	}
	id := models.ConversationID(a, b)
	first, second, _ := models.Participants(id)
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO conversations (id, user_a, user_b, updated_at) VALUES (?, ?, ?, ?)",
		id, first, second, s.now(),
	)
	return id, err
}

// CreateMessage stores a message from sender to recipient.
func (s *Store) CreateMessage(ctx context.Context, senderID, recipientID, content, msgType string) (models.Message, error) {
	convID, err := s.EnsureConversation(ctx, senderID, recipientID)
	if err != nil {
		return models.Message{}, err
	}
	if msgType == "" {
		msgType = "text"
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        content,
		Type:           msgType,
		DeliveryState:  models.DeliverySent,
		CreatedAt:      s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.RecipientID, msg.Content, msg.Type, msg.CreatedAt,
	); err != nil {
		return models.Message{}, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?", msg.CreatedAt, convID,
	); err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}

	if sender, err := s.UserByID(ctx, senderID); err == nil {
		msg.SenderName = sender.DisplayName
	}
	return msg, nil
}

// ListMessages returns up to limit messages of a conversation in send order.
// A non-empty before returns the messages preceding that id.
func (s *Store) ListMessages(ctx context.Context, conversationID, before string, limit int) ([]models.Message, error) {
	cursor := int64(1<<63 - 1)
	if before != "" {
		err := s.db.QueryRowContext(ctx,
			"SELECT seq FROM messages WHERE id = ? AND conversation_id = ?", before, conversationID,
		).Scan(&cursor)
		if err != nil {
			return nil, notFound(err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.recipient_id, COALESCE(u.display_name, ''),
			m.content, m.type, m.created_at,
			(SELECT COALESCE(GROUP_CONCAT(r.reader_id), '') FROM message_reads r WHERE r.message_id = m.id)
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = ? AND m.seq < ?
		ORDER BY m.seq DESC
		LIMIT ?`,
		conversationID, cursor, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var readers string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.SenderName,
			&m.Content, &m.Type, &m.CreatedAt, &readers); err != nil {
			return nil, err
		}
		m.DeliveryState = models.DeliverySent
		if readers != "" {
			m.ReadBy = strings.Split(readers, ",")
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the query; callers get send order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkConversationRead records readerID as having read every message sent to
// it in the conversation and returns the ids newly marked.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id FROM messages m
		WHERE m.conversation_id = ? AND m.sender_id != ?
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.reader_id = ?)
		ORDER BY m.seq`,
		conversationID, readerID, readerID,
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_reads (message_id, reader_id, read_at) VALUES (?, ?, ?)",
			id, readerID, now,
		); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ListConversations retrieves all conversations of userID, most recent first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_a, user_b, updated_at FROM conversations
		WHERE user_a = ? OR user_b = ?
		ORDER BY updated_at DESC`,
		userID, userID,
	)
	if err != nil {
		return nil, err
	}

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var a, b string
		if err := rows.Scan(&c.ID, &a, &b, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		c.Other.ID = a
		if a == userID {
			c.Other.ID = b
		}
		conversations = append(conversations, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The pool holds one connection, so the detail lookups run after rows is closed.
	for i := range conversations {
		c := &conversations[i]
		if other, err := s.UserByID(ctx, c.Other.ID); err == nil {
			c.Other = other
		}

		last, err := s.ListMessages(ctx, c.ID, "", 1)
		if err != nil {
			return nil, err
		}
		if len(last) == 1 {
			c.LastMessage = &last[0]
		}

		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = ? AND m.sender_id != ?
			  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.reader_id = ?)`,
			c.ID, userID, userID,
		).Scan(&c.UnreadCount); err != nil {
			return nil, err
		}
	}

	if conversations == nil {
		conversations = []models.Conversation{}
	}
	return conversations, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
