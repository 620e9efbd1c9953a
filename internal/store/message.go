package store

import (
	"context"
	"database/sql"
	"errors"
)

type messageRow struct {
	Message
	SealedBody []byte `db:"body"`
}

const messageColumns = `message_id, COALESCE(chat_id, '') AS chat_id, title, body, sent_at, is_read, created_at`

// InsertMessage stores m unless a message with the same ID exists.
// Reports whether a new row was written.
func (tx *Tx) InsertMessage(ctx context.Context, m *Message) (bool, error) {
	body, err := tx.db.seal([]byte(m.Body), m.MessageID)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO message (message_id, chat_id, title, body, sent_at, is_read, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		m.MessageID, m.ChatID, m.Title, body, m.SentAt, m.IsRead, tx.db.now().UnixMilli())
	if err != nil {
		return false, wrap("insert message", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetMessage returns a message by ID, or nil.
func (db *DB) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var row messageRow
	err := db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM message WHERE message_id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get message", err)
	}
	return db.decodeMessage(row)
}

// ListMessages returns the messages of a chat ordered by send time.
func (db *DB) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	var rows []messageRow
	if err := db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM message
		WHERE chat_id = ? ORDER BY sent_at ASC, message_id ASC`, chatID); err != nil {
		return nil, wrap("list messages", err)
	}
	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		m, err := db.decodeMessage(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM message`)
	return n, wrap("count messages", err)
}

// UnreadCount returns the number of unread messages across all chats.
func (db *DB) UnreadCount(ctx context.Context) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM message WHERE is_read = 0`)
	return n, wrap("count unread", err)
}

// UnreadCount is the transactional form of DB.UnreadCount.
func (tx *Tx) UnreadCount(ctx context.Context) (int, error) {
	var n int
	err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM message WHERE is_read = 0`)
	return n, wrap("count unread", err)
}

func (db *DB) decodeMessage(r messageRow) (*Message, error) {
	body, err := db.open(r.SealedBody, r.MessageID)
	if err != nil {
		return nil, err
	}
	m := r.Message
	m.Body = string(body)
	return &m, nil
}
