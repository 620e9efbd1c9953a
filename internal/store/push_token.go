package store

import (
	"context"
	"database/sql"
)

// ReadPushTokenState returns the push token record, or nil if none was ever
// written.
func (db *DB) ReadPushTokenState(ctx context.Context) (*PushTokenState, error) {
	var rows []struct {
		Operator      sql.NullInt64  `db:"operator"`
		Token         sql.NullString `db:"token"`
		UpdatedAt     int64          `db:"updated_at"`
		PendingUpdate bool           `db:"pending_update"`
	}
	if err := db.SelectContext(ctx, &rows, `
		SELECT operator, token, updated_at, pending_update FROM push_token_state WHERE id = 1`); err != nil {
		return nil, wrap("read push token state", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &PushTokenState{
		Operator:      PushTokenOperator(r.Operator.Int64),
		Token:         r.Token.String,
		UpdatedAt:     r.UpdatedAt,
		PendingUpdate: r.PendingUpdate,
	}, nil
}

// WritePushTokenState stores token for op and flags it for upload, but only
// if it differs from the stored value. An empty token clears a stored one.
// The comparison and the write are a single statement. Reports whether
// anything changed.
func (db *DB) WritePushTokenState(ctx context.Context, op PushTokenOperator, token string) (bool, error) {
	tok := sql.NullString{String: token, Valid: token != ""}
	var changed bool
	err := db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO push_token_state (id, operator, token, updated_at, pending_update)
			SELECT 1, ?1, ?2, ?3, 1
			WHERE ?2 IS NOT NULL OR EXISTS (SELECT 1 FROM push_token_state WHERE id = 1)
			ON CONFLICT(id) DO UPDATE SET
				operator = excluded.operator,
				token = excluded.token,
				updated_at = excluded.updated_at,
				pending_update = 1
			WHERE push_token_state.operator IS NOT excluded.operator
			   OR push_token_state.token IS NOT excluded.token`,
			int(op), tok, db.now().UnixMilli())
		if err != nil {
			return wrap("write push token state", err)
		}
		n, _ := res.RowsAffected()
		changed = n > 0
		return nil
	})
	return changed, err
}

// ClearPushTokenPending clears the pending flag if the record still has the
// given updated_at, so a token written concurrently stays pending.
func (db *DB) ClearPushTokenPending(ctx context.Context, updatedAt int64) (bool, error) {
	var cleared bool
	err := db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE push_token_state SET pending_update = 0 WHERE id = 1 AND updated_at = ?`, updatedAt)
		if err != nil {
			return wrap("clear push token pending", err)
		}
		n, _ := res.RowsAffected()
		cleared = n > 0
		return nil
	})
	return cleared, err
}
