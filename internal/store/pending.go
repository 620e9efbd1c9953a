package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const pendingColumns = `group_id, operation_type, operation_data,
	COALESCE(last_attempt, 0) AS last_attempt, number_of_attempts,
	COALESCE(locked_by, '') AS locked_by, COALESCE(locked_at, 0) AS locked_at,
	request_status, retry_due_at, created_at`

// OutcomeKind classifies how a submission attempt ended.
type OutcomeKind int

const (
	// OutcomeSucceeded means the server accepted the operation.
	OutcomeSucceeded OutcomeKind = iota
	// OutcomeFailed means the attempt failed and may be retried at RetryAt.
	OutcomeFailed
	// OutcomeAwaitingAck means the attempt timed out waiting for the
	// server's queue response.
	OutcomeAwaitingAck
)

// Outcome is passed to ReleasePendingOperation.
type Outcome struct {
	Kind    OutcomeKind
	RetryAt time.Time
}

// StorePendingOperation records a new operation for groupID, ready for its
// first attempt. Returns ErrOperationPending if the group already has one.
func (db *DB) StorePendingOperation(ctx context.Context, groupID string, typ OperationType, data []byte) error {
	sealed, err := db.seal(data, groupID)
	if err != nil {
		return err
	}
	now := db.now().UnixMilli()
	return db.InTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_chat_operation
				(group_id, operation_type, operation_data, number_of_attempts, request_status, retry_due_at, created_at)
			VALUES (?, ?, ?, 0, 'ready_to_retry', ?, ?)`,
			groupID, typ, sealed, now, now)
		if IsConstraint(err) {
			var exists int
			if qerr := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM pending_chat_operation WHERE group_id = ?`, groupID); qerr == nil && exists > 0 {
				return ErrOperationPending
			}
		}
		return wrap("store pending operation", err)
	})
}

// ClaimPendingOperation locks the operation for groupID on behalf of
// workerID. It returns nil if there is no such operation or another worker
// holds an unexpired claim. The check and the lock are one statement, so
// two callers never both succeed.
func (db *DB) ClaimPendingOperation(ctx context.Context, groupID, workerID string) (*PendingChatOperation, error) {
	now := db.now()
	return db.scanPending(ctx, "claim pending operation", `
		UPDATE pending_chat_operation
		SET locked_by = ?1, locked_at = ?2
		WHERE group_id = ?3
		  AND (locked_by IS NULL OR locked_by = ?1 OR locked_at < ?4)
		RETURNING `+pendingColumns,
		workerID, now.UnixMilli(), groupID, now.Add(-db.lease).UnixMilli())
}

// ClaimNextDueOperation locks any ready operation whose retry time has
// passed, earliest first.
func (db *DB) ClaimNextDueOperation(ctx context.Context, workerID string) (*PendingChatOperation, error) {
	now := db.now()
	return db.scanPending(ctx, "claim next due operation", `
		UPDATE pending_chat_operation
		SET locked_by = ?1, locked_at = ?2
		WHERE group_id = (
			SELECT group_id FROM pending_chat_operation
			WHERE (locked_by IS NULL OR locked_by = ?1 OR locked_at < ?3)
			  AND request_status = 'ready_to_retry'
			  AND retry_due_at <= ?2
			ORDER BY retry_due_at ASC, created_at ASC
			LIMIT 1)
		RETURNING `+pendingColumns,
		workerID, now.UnixMilli(), now.Add(-db.lease).UnixMilli())
}

// MarkWaitingForQueueResponse records that the operation was just handed to
// the server queue.
func (db *DB) MarkWaitingForQueueResponse(ctx context.Context, groupID, workerID string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_chat_operation
			SET request_status = 'waiting_for_queue_response', last_attempt = ?
			WHERE group_id = ? AND locked_by = ?`,
			db.now().UnixMilli(), groupID, workerID)
		if err != nil {
			return wrap("mark waiting for queue response", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLockLost
		}
		return nil
	})
}

// ReleasePendingOperation clears workerID's claim. On success the row is
// deleted and nil is returned. Otherwise the attempt is counted and the
// updated row is returned.
func (db *DB) ReleasePendingOperation(ctx context.Context, groupID, workerID string, out Outcome) (*PendingChatOperation, error) {
	now := db.now().UnixMilli()
	switch out.Kind {
	case OutcomeSucceeded:
		err := db.InTx(ctx, func(tx *Tx) error {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM pending_chat_operation WHERE group_id = ? AND locked_by = ?`, groupID, workerID)
			if err != nil {
				return wrap("release pending operation", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrLockLost
			}
			return nil
		})
		return nil, err
	case OutcomeAwaitingAck:
		return db.releaseUpdate(ctx, `
			UPDATE pending_chat_operation
			SET locked_by = NULL, locked_at = NULL,
				number_of_attempts = number_of_attempts + 1,
				last_attempt = ?1,
				request_status = 'waiting_for_queue_response'
			WHERE group_id = ?2 AND locked_by = ?3
			RETURNING `+pendingColumns,
			now, groupID, workerID)
	default:
		return db.releaseUpdate(ctx, `
			UPDATE pending_chat_operation
			SET locked_by = NULL, locked_at = NULL,
				number_of_attempts = number_of_attempts + 1,
				last_attempt = ?1,
				request_status = 'ready_to_retry',
				retry_due_at = ?4
			WHERE group_id = ?2 AND locked_by = ?3
			RETURNING `+pendingColumns,
			now, groupID, workerID, out.RetryAt.UnixMilli())
	}
}

func (db *DB) releaseUpdate(ctx context.Context, query string, args ...any) (*PendingChatOperation, error) {
	op, err := db.scanPending(ctx, "release pending operation", query, args...)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, ErrLockLost
	}
	return op, nil
}

// UnlockPendingOperation drops workerID's claim without counting an attempt.
func (db *DB) UnlockPendingOperation(ctx context.Context, groupID, workerID string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE pending_chat_operation SET locked_by = NULL, locked_at = NULL
			WHERE group_id = ? AND locked_by = ?`, groupID, workerID)
		return wrap("unlock pending operation", err)
	})
}

// AbandonPendingOperation deletes an operation held by workerID. Reports
// whether this call removed it.
func (db *DB) AbandonPendingOperation(ctx context.Context, groupID, workerID string) (bool, error) {
	var removed bool
	err := db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM pending_chat_operation WHERE group_id = ? AND locked_by = ?`, groupID, workerID)
		if err != nil {
			return wrap("abandon pending operation", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

// AckQueueResponse applies the server's queue response to an operation that
// is waiting for it. An accepted operation is deleted, a rejected one becomes
// ready to retry immediately. The response settles the row even while the
// submitting worker still holds it; that worker then finds its claim gone.
// Reports whether a waiting row was found.
func (db *DB) AckQueueResponse(ctx context.Context, groupID string, accepted bool) (bool, error) {
	var found bool
	err := db.InTx(ctx, func(tx *Tx) error {
		var (
			res sql.Result
			err error
		)
		if accepted {
			res, err = tx.ExecContext(ctx, `
				DELETE FROM pending_chat_operation
				WHERE group_id = ? AND request_status = 'waiting_for_queue_response'`, groupID)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE pending_chat_operation
				SET request_status = 'ready_to_retry', retry_due_at = ?,
					locked_by = NULL, locked_at = NULL
				WHERE group_id = ? AND request_status = 'waiting_for_queue_response'`,
				db.now().UnixMilli(), groupID)
		}
		if err != nil {
			return wrap("ack queue response", err)
		}
		n, _ := res.RowsAffected()
		found = n > 0
		return nil
	})
	return found, err
}

// ExpireStaleWaits moves operations that have waited for a queue response
// since before cutoff back to ready_to_retry. A claim older than the lease
// belongs to a worker that died mid-submit and is cleared as well.
func (db *DB) ExpireStaleWaits(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	now := db.now()
	err := db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_chat_operation
			SET request_status = 'ready_to_retry', retry_due_at = ?1,
				locked_by = NULL, locked_at = NULL
			WHERE request_status = 'waiting_for_queue_response'
			  AND (locked_by IS NULL OR locked_at < ?2)
			  AND COALESCE(last_attempt, 0) < ?3`,
			now.UnixMilli(), now.Add(-db.lease).UnixMilli(), cutoff.UnixMilli())
		if err != nil {
			return wrap("expire stale waits", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// GetPendingOperation returns the operation for groupID, or nil.
func (db *DB) GetPendingOperation(ctx context.Context, groupID string) (*PendingChatOperation, error) {
	var op PendingChatOperation
	err := db.GetContext(ctx, &op, `SELECT `+pendingColumns+` FROM pending_chat_operation WHERE group_id = ?`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get pending operation", err)
	}
	if err := db.openPending(&op); err != nil {
		return nil, err
	}
	return &op, nil
}

// ListPendingOperations returns all pending operations by creation time.
func (db *DB) ListPendingOperations(ctx context.Context) ([]PendingChatOperation, error) {
	var ops []PendingChatOperation
	if err := db.SelectContext(ctx, &ops, `
		SELECT `+pendingColumns+` FROM pending_chat_operation ORDER BY created_at ASC`); err != nil {
		return nil, wrap("list pending operations", err)
	}
	for i := range ops {
		if err := db.openPending(&ops[i]); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// DeletePendingOperation drops the operation for groupID regardless of its
// lock. Reports whether a row was removed.
func (db *DB) DeletePendingOperation(ctx context.Context, groupID string) (bool, error) {
	var removed bool
	err := db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_chat_operation WHERE group_id = ?`, groupID)
		if err != nil {
			return wrap("delete pending operation", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}

// scanPending runs a single-row UPDATE … RETURNING inside its own
// transaction and decodes the result. No matching row yields nil.
func (db *DB) scanPending(ctx context.Context, op, query string, args ...any) (*PendingChatOperation, error) {
	var (
		out   PendingChatOperation
		found bool
	)
	err := db.InTx(ctx, func(tx *Tx) error {
		err := tx.QueryRowxContext(ctx, query, args...).StructScan(&out)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return wrap(op, err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	if err := db.openPending(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (db *DB) openPending(op *PendingChatOperation) error {
	data, err := db.open(op.OperationData, op.GroupID)
	if err != nil {
		return err
	}
	op.OperationData = data
	return nil
}
