package store

import (
	"context"
)

// UpsertUserProfile stores or refreshes a user profile.
func (db *DB) UpsertUserProfile(ctx context.Context, u UserID, displayName string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_profile (user_uuid, user_domain, display_name, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_uuid, user_domain) DO UPDATE SET display_name = excluded.display_name`,
			u.UUID, u.Domain, displayName, db.now().UnixMilli())
		return wrap("upsert user profile", err)
	})
}

// UserProfile returns a profile, or nil if none is stored.
func (db *DB) UserProfile(ctx context.Context, u UserID) (*UserProfile, error) {
	var profiles []UserProfile
	if err := db.SelectContext(ctx, &profiles, `
		SELECT user_uuid, user_domain, display_name, created_at
		FROM user_profile WHERE user_uuid = ? AND user_domain = ?`, u.UUID, u.Domain); err != nil {
		return nil, wrap("get user profile", err)
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	return &profiles[0], nil
}

// RecordMembership adds u to the chat. It is a no-op if u is already a
// member. A bare profile is created for users seen for the first time.
func (db *DB) RecordMembership(ctx context.Context, u UserID, chatID string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		return tx.RecordMembership(ctx, u, chatID)
	})
}

// RecordMembership is the transactional form of DB.RecordMembership.
func (tx *Tx) RecordMembership(ctx context.Context, u UserID, chatID string) error {
	now := tx.db.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_profile (user_uuid, user_domain, created_at) VALUES (?, ?, ?)`,
		u.UUID, u.Domain, now); err != nil {
		return wrap("record membership: profile", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_membership (user_uuid, user_domain, chat_id, created_at)
		VALUES (?, ?, ?, ?)`,
		u.UUID, u.Domain, chatID, now); err != nil {
		return wrap("record membership", err)
	}
	return nil
}

// RemoveMembership removes u from the chat and, in the same transaction,
// deletes u's profile if nothing references it anymore.
func (db *DB) RemoveMembership(ctx context.Context, u UserID, chatID string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM group_membership WHERE user_uuid = ? AND user_domain = ? AND chat_id = ?`,
			u.UUID, u.Domain, chatID); err != nil {
			return wrap("remove membership", err)
		}
		return tx.deleteOrphanProfile(ctx, u)
	})
}

// ListMembers returns the members of a chat.
func (db *DB) ListMembers(ctx context.Context, chatID string) ([]UserID, error) {
	var members []UserID
	if err := db.SelectContext(ctx, &members, `
		SELECT user_uuid, user_domain FROM group_membership
		WHERE chat_id = ? ORDER BY user_domain, user_uuid`, chatID); err != nil {
		return nil, wrap("list members", err)
	}
	return members, nil
}

// deleteOrphanProfile drops u's profile unless a membership row or the own
// client row still references it. The check and the delete are one statement.
func (tx *Tx) deleteOrphanProfile(ctx context.Context, u UserID) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM user_profile
		WHERE user_uuid = ? AND user_domain = ?
		  AND NOT EXISTS (
			SELECT 1 FROM group_membership gm
			WHERE gm.user_uuid = user_profile.user_uuid AND gm.user_domain = user_profile.user_domain)
		  AND NOT EXISTS (
			SELECT 1 FROM own_client_info o
			WHERE o.user_uuid = user_profile.user_uuid AND o.user_domain = user_profile.user_domain)`,
		u.UUID, u.Domain)
	return wrap("delete orphan profile", err)
}

// SetOwnClient stores the local identity and push payload key.
func (db *DB) SetOwnClient(ctx context.Context, u UserID, pushKey []byte) error {
	sealed, err := db.seal(pushKey, "push_ear_key")
	if err != nil {
		return err
	}
	return db.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO user_profile (user_uuid, user_domain, created_at) VALUES (?, ?, ?)`,
			u.UUID, u.Domain, db.now().UnixMilli()); err != nil {
			return wrap("set own client: profile", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO own_client_info (id, user_uuid, user_domain, push_ear_key)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_uuid = excluded.user_uuid,
				user_domain = excluded.user_domain,
				push_ear_key = excluded.push_ear_key`,
			u.UUID, u.Domain, sealed)
		return wrap("set own client", err)
	})
}

// OwnClient returns the local identity, or nil before registration.
func (db *DB) OwnClient(ctx context.Context) (*OwnClient, error) {
	var rows []struct {
		UserID
		PushEARKey []byte `db:"push_ear_key"`
	}
	if err := db.SelectContext(ctx, &rows, `
		SELECT user_uuid, user_domain, push_ear_key FROM own_client_info WHERE id = 1`); err != nil {
		return nil, wrap("get own client", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	key, err := db.open(rows[0].PushEARKey, "push_ear_key")
	if err != nil {
		return nil, err
	}
	return &OwnClient{UserID: rows[0].UserID, PushEARKey: key}, nil
}
