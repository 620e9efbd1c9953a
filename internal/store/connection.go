package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// Connection states persisted in chat.connection_state.
const (
	ConnInvited           = "invited"
	ConnPendingAcceptance = "pending_acceptance"
	ConnConnected         = "connected"
	ConnRejected          = "rejected"
	ConnExpired           = "expired"
)

// StoreHandleInvitation persists an incoming handle invitation: the chat,
// its pending connection info and the username contact.
func (db *DB) StoreHandleInvitation(ctx context.Context, chat *Chat, pc *PendingConnection, uc *UsernameContact) (*Chat, error) {
	var out *Chat
	err := db.InTx(ctx, func(tx *Tx) error {
		var err error
		if out, err = tx.UpsertChat(ctx, chat); err != nil {
			return err
		}
		pc.ChatID, uc.ChatID = out.ChatID, out.ChatID
		if err := tx.insertPendingConnection(ctx, pc); err != nil {
			return err
		}
		earKey, err := db.seal(uc.FriendshipPackageEARKey, "username_contact:"+uc.ChatID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO username_contact (chat_id, username, friendship_package_ear_key, created_at, connection_offer_hash)
			VALUES (?, ?, ?, ?, ?)`,
			uc.ChatID, uc.Username, earKey, db.now().UnixMilli(), uc.ConnectionOfferHash)
		if err != nil {
			return wrap("insert username contact", err)
		}
		return tx.EnqueueStoreNotification(ctx, NotifyChatAdded, out.ChatID)
	})
	return out, err
}

// StoreTargetedInvitation persists an incoming targeted-message invitation.
// Returns ErrDuplicateTargetedContact if the sender already has one pending.
func (db *DB) StoreTargetedInvitation(ctx context.Context, chat *Chat, pc *PendingConnection, tc *TargetedMessageContact) (*Chat, error) {
	var out *Chat
	err := db.InTx(ctx, func(tx *Tx) error {
		var pending int
		if err := tx.GetContext(ctx, &pending, `
			SELECT COUNT(*) FROM targeted_message_contact WHERE user_id = ? AND user_domain = ?`,
			tc.UUID, tc.Domain); err != nil {
			return wrap("check targeted contact", err)
		}
		if pending > 0 {
			return ErrDuplicateTargetedContact
		}

		var err error
		if out, err = tx.UpsertChat(ctx, chat); err != nil {
			return err
		}
		pc.ChatID, tc.ChatID = out.ChatID, out.ChatID
		pc.Handle, pc.ConnectionOfferHash, pc.ConnectionPackageHash = "", nil, nil
		if err := tx.insertPendingConnection(ctx, pc); err != nil {
			return err
		}
		earKey, err := db.seal(tc.FriendshipPackageEARKey, "targeted_message_contact:"+tc.ChatID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO targeted_message_contact (user_id, user_domain, chat_id, friendship_package_ear_key, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			tc.UUID, tc.Domain, tc.ChatID, earKey, db.now().UnixMilli())
		if IsConstraint(err) {
			return ErrDuplicateTargetedContact
		}
		if err != nil {
			return wrap("insert targeted contact", err)
		}
		return tx.EnqueueStoreNotification(ctx, NotifyChatAdded, out.ChatID)
	})
	return out, err
}

func (tx *Tx) insertPendingConnection(ctx context.Context, pc *PendingConnection) error {
	info, err := tx.db.seal(pc.ConnectionInfo, "pending_connection_info:"+pc.ChatID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_connection_info
			(chat_id, created_at, connection_info, handle, connection_offer_hash, connection_package_hash)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		pc.ChatID, tx.db.now().UnixMilli(), info, pc.Handle, pc.ConnectionOfferHash, pc.ConnectionPackageHash)
	return wrap("insert pending connection info", err)
}

// PendingConnection returns the stored handshake payload for a chat, or nil.
func (db *DB) PendingConnection(ctx context.Context, chatID string) (*PendingConnection, error) {
	var pc PendingConnection
	err := db.GetContext(ctx, &pc, `
		SELECT chat_id, created_at, connection_info, COALESCE(handle, '') AS handle,
			connection_offer_hash, connection_package_hash
		FROM pending_connection_info WHERE chat_id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get pending connection info", err)
	}
	if pc.ConnectionInfo, err = db.open(pc.ConnectionInfo, "pending_connection_info:"+chatID); err != nil {
		return nil, err
	}
	return &pc, nil
}

// UsernameContact returns the username contact for a chat, or nil.
func (db *DB) UsernameContact(ctx context.Context, chatID string) (*UsernameContact, error) {
	var uc UsernameContact
	err := db.GetContext(ctx, &uc, `
		SELECT chat_id, username, friendship_package_ear_key, created_at, connection_offer_hash
		FROM username_contact WHERE chat_id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get username contact", err)
	}
	if uc.FriendshipPackageEARKey, err = db.open(uc.FriendshipPackageEARKey, "username_contact:"+chatID); err != nil {
		return nil, err
	}
	return &uc, nil
}

// TargetedContact returns the targeted-message contact for a chat, or nil.
func (db *DB) TargetedContact(ctx context.Context, chatID string) (*TargetedMessageContact, error) {
	var tc TargetedMessageContact
	err := db.GetContext(ctx, &tc, `
		SELECT user_id AS user_uuid, user_domain, chat_id, friendship_package_ear_key, created_at
		FROM targeted_message_contact WHERE chat_id = ?`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get targeted contact", err)
	}
	if tc.FriendshipPackageEARKey, err = db.open(tc.FriendshipPackageEARKey, "targeted_message_contact:"+chatID); err != nil {
		return nil, err
	}
	return &tc, nil
}

// SetConnectionState moves a chat from one connection state to another.
// Returns ErrStateChanged if the chat is not in from.
func (db *DB) SetConnectionState(ctx context.Context, chatID, from, to string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		if err := tx.casConnectionState(ctx, chatID, from, to); err != nil {
			return err
		}
		return tx.EnqueueStoreNotification(ctx, NotifyChatUpdated, chatID)
	})
}

// CompleteConnection turns a pending invitation into a connected chat in
// one transaction: the state moves to connected, pending connection info
// and contact rows are removed and members are recorded.
func (db *DB) CompleteConnection(ctx context.Context, chatID, from string, members []UserID) error {
	return db.InTx(ctx, func(tx *Tx) error {
		if err := tx.casConnectionState(ctx, chatID, from, ConnConnected); err != nil {
			return err
		}
		if err := tx.deletePendingConnectionRows(ctx, chatID); err != nil {
			return err
		}
		for _, m := range members {
			if err := tx.RecordMembership(ctx, m, chatID); err != nil {
				return err
			}
		}
		return tx.EnqueueStoreNotification(ctx, NotifyChatUpdated, chatID)
	})
}

// DiscardConnection moves a chat to a terminal state and removes its
// pending connection info and contact rows.
func (db *DB) DiscardConnection(ctx context.Context, chatID, from, to string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		if err := tx.casConnectionState(ctx, chatID, from, to); err != nil {
			return err
		}
		if err := tx.deletePendingConnectionRows(ctx, chatID); err != nil {
			return err
		}
		return tx.EnqueueStoreNotification(ctx, NotifyChatUpdated, chatID)
	})
}

// ListConnectionsCreatedBefore returns chats in one of states created before
// the given unix millisecond timestamp.
func (db *DB) ListConnectionsCreatedBefore(ctx context.Context, states []string, before int64) ([]Chat, error) {
	query, args, err := sqlx.In(`
		SELECT `+chatColumns+` FROM chat
		WHERE connection_state IN (?) AND created_at < ?
		ORDER BY created_at ASC`, states, before)
	if err != nil {
		return nil, wrap("list connections", err)
	}
	var chats []Chat
	if err := db.SelectContext(ctx, &chats, db.Rebind(query), args...); err != nil {
		return nil, wrap("list connections", err)
	}
	return chats, nil
}

func (tx *Tx) casConnectionState(ctx context.Context, chatID, from, to string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE chat SET connection_state = ? WHERE chat_id = ? AND connection_state = ?`,
		to, chatID, from)
	if err != nil {
		return wrap("set connection state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateChanged
	}
	return nil
}

func (tx *Tx) deletePendingConnectionRows(ctx context.Context, chatID string) error {
	for _, q := range []string{
		`DELETE FROM pending_connection_info WHERE chat_id = ?`,
		`DELETE FROM username_contact WHERE chat_id = ?`,
		`DELETE FROM targeted_message_contact WHERE chat_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
			return wrap("delete pending connection rows", err)
		}
	}
	return nil
}
