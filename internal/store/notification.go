package store

import "context"

// Store notification kinds.
const (
	NotifyMessageAdded = "message_added"
	NotifyChatAdded    = "chat_added"
	NotifyChatUpdated  = "chat_updated"
	// NotifyOperationFailed carries the group_id of a pending operation
	// that was dropped or abandoned.
	NotifyOperationFailed = "operation_failed"
)

// Notify records a store notification in its own transaction.
func (db *DB) Notify(ctx context.Context, kind, entityID string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		return tx.EnqueueStoreNotification(ctx, kind, entityID)
	})
}

// EnqueueStoreNotification records that an entity changed so another
// process can pick it up.
func (tx *Tx) EnqueueStoreNotification(ctx context.Context, kind, entityID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO store_notification (kind, entity_id, created_at) VALUES (?, ?, ?)`,
		kind, entityID, tx.db.now().UnixMilli())
	return wrap("enqueue store notification", err)
}

// DequeueStoreNotifications removes and returns all queued notifications in
// insertion order.
func (db *DB) DequeueStoreNotifications(ctx context.Context) ([]StoreNotification, error) {
	var out []StoreNotification
	err := db.InTx(ctx, func(tx *Tx) error {
		if err := tx.SelectContext(ctx, &out, `
			SELECT id, kind, entity_id, created_at FROM store_notification ORDER BY id ASC`); err != nil {
			return wrap("read store notifications", err)
		}
		if len(out) == 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM store_notification WHERE id <= ?`, out[len(out)-1].ID)
		return wrap("delete store notifications", err)
	})
	return out, err
}
