package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const chatColumns = `chat_id, COALESCE(group_id, '') AS group_id, is_incoming, title,
	COALESCE(connection_state, '') AS connection_state, created_at, last_read_at`

// UpsertChat inserts a chat or returns the stored row if it already exists.
// A missing ChatID is filled with a random UUID.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) (*Chat, error) {
	var out *Chat
	err := db.InTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.UpsertChat(ctx, c)
		return err
	})
	return out, err
}

// UpsertChat is the transactional form of DB.UpsertChat.
func (tx *Tx) UpsertChat(ctx context.Context, c *Chat) (*Chat, error) {
	if c.ChatID == "" {
		c.ChatID = uuid.NewString()
	}
	now := tx.db.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat (chat_id, group_id, is_incoming, title, connection_state, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(chat_id) DO NOTHING`,
		c.ChatID, c.GroupID, c.IsIncoming, c.Title, c.ConnectionState, now); err != nil {
		return nil, wrap("upsert chat", err)
	}
	return getChat(ctx, tx, c.ChatID)
}

// GetChat returns a chat by ID, or nil if it does not exist.
func (db *DB) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	return getChat(ctx, db, chatID)
}

// ChatByGroup returns the chat owning groupID, or nil.
func (db *DB) ChatByGroup(ctx context.Context, groupID string) (*Chat, error) {
	var c Chat
	err := db.GetContext(ctx, &c, `SELECT `+chatColumns+` FROM chat WHERE group_id = ?`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get chat by group", err)
	}
	return &c, nil
}

// ListChats returns all chats, oldest first.
func (db *DB) ListChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	if err := db.SelectContext(ctx, &chats, `SELECT `+chatColumns+` FROM chat ORDER BY created_at ASC, chat_id ASC`); err != nil {
		return nil, wrap("list chats", err)
	}
	return chats, nil
}

// DeleteChat removes a chat and everything hanging off it: memberships,
// pending operations, pending connection info, contacts and messages.
// Profiles left without a membership are removed in the same transaction.
// Reports whether the chat existed.
func (db *DB) DeleteChat(ctx context.Context, chatID string) (bool, error) {
	var existed bool
	err := db.InTx(ctx, func(tx *Tx) error {
		var err error
		existed, err = tx.DeleteChat(ctx, chatID)
		return err
	})
	return existed, err
}

// DeleteChat is the transactional form of DB.DeleteChat.
func (tx *Tx) DeleteChat(ctx context.Context, chatID string) (bool, error) {
	var members []UserID
	if err := tx.SelectContext(ctx, &members, `
		SELECT user_uuid, user_domain FROM group_membership WHERE chat_id = ?`, chatID); err != nil {
		return false, wrap("delete chat: list members", err)
	}

	dependents := []string{
		`DELETE FROM pending_chat_operation WHERE group_id = (SELECT group_id FROM chat WHERE chat_id = ?)`,
		`DELETE FROM pending_connection_info WHERE chat_id = ?`,
		`DELETE FROM username_contact WHERE chat_id = ?`,
		`DELETE FROM targeted_message_contact WHERE chat_id = ?`,
		`DELETE FROM message WHERE chat_id = ?`,
		`DELETE FROM group_membership WHERE chat_id = ?`,
	}
	for _, q := range dependents {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return false, wrap("delete chat dependents", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chat WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, wrap("delete chat", err)
	}
	n, _ := res.RowsAffected()

	for _, m := range members {
		if err := tx.deleteOrphanProfile(ctx, m); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

// MarkChatRead marks every message in the chat as read.
func (db *DB) MarkChatRead(ctx context.Context, chatID string) (int64, error) {
	now := db.now().UnixMilli()
	var marked int64
	err := db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE message SET is_read = 1 WHERE chat_id = ? AND is_read = 0`, chatID)
		if err != nil {
			return wrap("mark messages read", err)
		}
		marked, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `UPDATE chat SET last_read_at = ? WHERE chat_id = ?`, now, chatID); err != nil {
			return wrap("mark chat read", err)
		}
		return nil
	})
	return marked, err
}

func getChat(ctx context.Context, q queryer, chatID string) (*Chat, error) {
	var c Chat
	err := q.GetContext(ctx, &c, `SELECT `+chatColumns+` FROM chat WHERE chat_id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get chat", err)
	}
	return &c, nil
}

// queryer is satisfied by both *DB and *Tx.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}
