package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/kindred/chat-relay/internal/chat"
)

// Postgres manages matches, messages and notifications in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and optionally
// applies migrations.
func OpenPostgres(ctx context.Context, dsn string, migrate bool) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if migrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) UpsertMatch(ctx context.Context, m chat.Match) error {
	if m.ID == "" || m.UserA == "" || m.UserB == "" {
		return fmt.Errorf("store: upsert match: incomplete match %+v", m)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO matches (id, user_a, user_b, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`

	if _, err := p.db.ExecContext(ctx, query, m.ID, m.UserA, m.UserB, m.CreatedAt); err != nil {
		return fmt.Errorf("store: upsert match: %w", err)
	}
	return nil
}

func (p *Postgres) GetMatch(ctx context.Context, matchID string) (chat.Match, error) {
	const query = `SELECT id, user_a, user_b, created_at FROM matches WHERE id = $1`

	var m chat.Match
	err := p.db.QueryRowContext(ctx, query, matchID).Scan(&m.ID, &m.UserA, &m.UserB, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Match{}, fmt.Errorf("store: match %s: %w", matchID, chat.ErrNotFound)
	}
	if err != nil {
		return chat.Match{}, fmt.Errorf("store: get match: %w", err)
	}
	return m, nil
}

func (p *Postgres) MatchesForUser(ctx context.Context, userID string) ([]chat.Match, error) {
	const query = `
		SELECT id, user_a, user_b, created_at FROM matches
		WHERE user_a = $1 OR user_b = $1
		ORDER BY created_at DESC, id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: matches for user: %w", err)
	}
	defer rows.Close()

	var out []chat.Match
	for rows.Next() {
		var m chat.Match
		if err := rows.Scan(&m.ID, &m.UserA, &m.UserB, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateMessage(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}

	// A retried insert with the same id returns the stored row.
	const query = `
		INSERT INTO messages (id, match_id, sender_id, content, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, seq, match_id, sender_id, content, message_type, created_at, read`

	row := p.db.QueryRowContext(ctx, query, in.ID, in.MatchID, in.SenderID, in.Content, string(in.Type), in.CreatedAt)
	msg, err := scanMessage(row)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: create message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) ListMessages(ctx context.Context, matchID string, beforeSeq int64, limit int) ([]chat.Message, error) {
	limit = ClampLimit(limit)

	const query = `
		SELECT id, seq, match_id, sender_id, content, message_type, created_at, read FROM (
			SELECT id, seq, match_id, sender_id, content, message_type, created_at, read
			FROM messages
			WHERE match_id = $1 AND ($2::BIGINT = 0 OR seq < $2::BIGINT)
			ORDER BY seq DESC
			LIMIT $3
		) page
		ORDER BY seq ASC`

	rows, err := p.db.QueryContext(ctx, query, matchID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkRead(ctx context.Context, matchID, readerID string) (int64, error) {
	const query = `
		UPDATE messages SET read = TRUE
		WHERE match_id = $1 AND sender_id <> $2 AND NOT read`

	res, err := p.db.ExecContext(ctx, query, matchID, readerID)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark read: rows affected: %w", err)
	}
	return n, nil
}

func (p *Postgres) ConversationStats(ctx context.Context, matchID, userID string) (*chat.Message, int, error) {
	const lastQuery = `
		SELECT id, seq, match_id, sender_id, content, message_type, created_at, read
		FROM messages WHERE match_id = $1
		ORDER BY seq DESC LIMIT 1`

	last, err := scanMessage(p.db.QueryRowContext(ctx, lastQuery, matchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: last message: %w", err)
	}

	const unreadQuery = `
		SELECT COUNT(*) FROM messages
		WHERE match_id = $1 AND sender_id <> $2 AND NOT read`

	var unread int
	if err := p.db.QueryRowContext(ctx, unreadQuery, matchID, userID).Scan(&unread); err != nil {
		return nil, 0, fmt.Errorf("store: unread count: %w", err)
	}
	return &last, unread, nil
}

func (p *Postgres) CreateNotification(ctx context.Context, n chat.Notification) (chat.Notification, error) {
	if n.UserID == "" {
		return chat.Notification{}, fmt.Errorf("store: create notification: empty user id")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	var data []byte
	if len(n.Data) > 0 {
		var err error
		data, err = json.Marshal(n.Data)
		if err != nil {
			return chat.Notification{}, fmt.Errorf("store: marshal notification data: %w", err)
		}
	}

	const query = `
		INSERT INTO notifications (id, user_id, type, title, body, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := p.db.ExecContext(ctx, query, n.ID, n.UserID, string(n.Type), n.Title, n.Body, data, n.Read, n.CreatedAt)
	if err != nil {
		return chat.Notification{}, fmt.Errorf("store: create notification: %w", err)
	}
	return n, nil
}

func (p *Postgres) ListNotifications(ctx context.Context, userID string, limit int) ([]chat.Notification, int, error) {
	limit = ClampLimit(limit)

	const query = `
		SELECT id, user_id, type, title, body, data, read, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Notification, 0, limit)
	for rows.Next() {
		var (
			n    chat.Notification
			typ  string
			data []byte
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Body, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("store: scan notification: %w", err)
		}
		n.Type = chat.NotificationType(typ)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, 0, fmt.Errorf("store: decode notification data: %w", err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list notifications: %w", err)
	}

	const unreadQuery = `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT read`
	var unread int
	if err := p.db.QueryRowContext(ctx, unreadQuery, userID).Scan(&unread); err != nil {
		return nil, 0, fmt.Errorf("store: unread notifications: %w", err)
	}
	return out, unread, nil
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	if _, err := uuid.Parse(notificationID); err != nil {
		return fmt.Errorf("store: notification %s: %w", notificationID, chat.ErrNotFound)
	}

	const query = `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`
	res, err := p.db.ExecContext(ctx, query, notificationID, userID)
	if err != nil {
		return fmt.Errorf("store: mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark notification read: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: notification %s: %w", notificationID, chat.ErrNotFound)
	}
	return nil
}

func (p *Postgres) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	const query = `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND NOT read`
	res, err := p.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("store: mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m   chat.Message
		typ string
	)
	if err := row.Scan(&m.ID, &m.Seq, &m.MatchID, &m.SenderID, &m.Content, &typ, &m.CreatedAt, &m.Read); err != nil {
		return chat.Message{}, err
	}
	m.Type = chat.MessageType(typ)
	return m, nil
}
