// Package pending retries group commits and proposals until the delivery
// service accepts them or the retry budget runs out.
//
// Each group has at most one pending operation. The row in
// pending_chat_operation is the only state: any process can pick it up, and
// the store's claim lease keeps two workers from submitting it at once.
package pending

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phnx-im/air-sub001/internal/bus"
	"github.com/phnx-im/air-sub001/internal/dsclient"
	"github.com/phnx-im/air-sub001/internal/logging"
	"github.com/phnx-im/air-sub001/internal/store"
)

// Submitter sends an operation to the server.
type Submitter interface {
	Submit(ctx context.Context, op *store.PendingChatOperation) error
}

// Result says where an attempt left the operation.
type Result int

const (
	// Busy: no row, or another worker holds it.
	Busy Result = iota
	Resolved
	Waiting
	RetryScheduled
	Dropped
	Abandoned
)

func (r Result) String() string {
	return [...]string{"busy", "resolved", "waiting", "retry_scheduled", "dropped", "abandoned"}[r]
}

// Config tunes a Queue.
type Config struct {
	Policy       Policy
	PollInterval time.Duration
	AckTimeout   time.Duration
}

// DefaultConfig matches the defaults in the config package.
func DefaultConfig() Config {
	return Config{Policy: DefaultPolicy, PollInterval: 500 * time.Millisecond, AckTimeout: 2 * time.Minute}
}

// Queue drives pending operations through the server.
type Queue struct {
	db        *store.DB
	submitter Submitter
	bus       *bus.Bus
	logger    *zap.Logger
	cfg       Config
	clock     clock.Clock
	workerID  string
	onApplied func(ctx context.Context, op *store.PendingChatOperation)
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewQueue creates a queue. Each queue gets its own worker identity.
func NewQueue(db *store.DB, submitter Submitter, b *bus.Bus, logger *zap.Logger, cfg Config) *Queue {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultPolicy
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Queue{
		db:        db,
		submitter: submitter,
		bus:       b,
		logger:    logging.OrNop(logger),
		cfg:       cfg,
		clock:     clock.New(),
		workerID:  uuid.NewString(),
	}
}

// SetClock replaces the time source. Used by tests.
func (q *Queue) SetClock(c clock.Clock) { q.clock = c }

// WorkerID returns the identity this queue claims rows under.
func (q *Queue) WorkerID() string { return q.workerID }

// OnApplied registers a hook run after the server accepted an operation, and
// after a leave that the server refused for a stale epoch. It runs outside
// the claim.
func (q *Queue) OnApplied(fn func(ctx context.Context, op *store.PendingChatOperation)) {
	q.onApplied = fn
}

// Submit stores a new operation for groupID and makes the first attempt.
// store.ErrOperationPending is returned if the group already has one.
func (q *Queue) Submit(ctx context.Context, groupID string, typ store.OperationType, data []byte) (Result, error) {
	if err := q.db.StorePendingOperation(ctx, groupID, typ, data); err != nil {
		return Busy, err
	}
	q.bus.Emit(bus.PendingSubmitted, map[string]string{"group_id": groupID, "operation_type": string(typ)})
	return q.Attempt(ctx, groupID)
}

// Attempt claims the operation for groupID and runs one submission.
func (q *Queue) Attempt(ctx context.Context, groupID string) (Result, error) {
	op, err := q.db.ClaimPendingOperation(ctx, groupID, q.workerID)
	if err != nil || op == nil {
		return Busy, err
	}
	if op.RequestStatus == store.StatusWaitingForQueueResponse {
		// Sending again before the queue answers could apply it twice.
		return Waiting, q.db.UnlockPendingOperation(ctx, groupID, q.workerID)
	}
	return q.run(ctx, op)
}

// ProcessDue runs every operation whose retry time has passed. Failures of
// single operations are published on the bus and logged. Only storage
// errors stop the pass.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		op, err := q.db.ClaimNextDueOperation(ctx, q.workerID)
		if err != nil {
			return n, err
		}
		if op == nil {
			return n, nil
		}
		n++
		res, err := q.run(ctx, op)
		var se *store.StorageError
		if errors.As(err, &se) {
			return n, err
		}
		if err != nil {
			q.logger.Warn("pending operation failed",
				zap.String("group_id", op.GroupID), zap.Stringer("result", res), zap.Error(err))
		}
	}
	return n, ctx.Err()
}

func (q *Queue) run(ctx context.Context, op *store.PendingChatOperation) (Result, error) {
	maxAttempts := q.cfg.Policy.MaxAttempts
	if op.NumberOfAttempts >= maxAttempts {
		return q.abandon(ctx, op, nil)
	}
	if err := q.db.MarkWaitingForQueueResponse(ctx, op.GroupID, q.workerID); err != nil {
		return Busy, err
	}

	sendErr := q.submitter.Submit(ctx, op)
	// The outcome is recorded even when ctx was cancelled mid-submit, so the
	// row never stays claimed by a worker that is gone.
	ctx = context.WithoutCancel(ctx)
	if sendErr == nil {
		return q.resolve(ctx, op)
	}

	kind, ok := dsclient.KindOf(sendErr)
	if !ok {
		kind = dsclient.KindNetwork
	}
	// A refusal after an earlier attempt may be the server answering a
	// duplicate of a request it already processed, so it is retried.
	if kind == dsclient.KindRejected && op.NumberOfAttempts > 0 {
		kind = dsclient.KindNetwork
	}
	attempts := op.NumberOfAttempts + 1
	log := q.logger.With(zap.String("group_id", op.GroupID), zap.Int("attempt", attempts), zap.Stringer("kind", kind))

	switch kind {
	case dsclient.KindWrongEpoch:
		if op.OperationType == store.OperationLeave {
			log.Info("leave refused for stale epoch, applying locally")
			return q.resolve(ctx, op)
		}
		if _, err := q.db.ReleasePendingOperation(ctx, op.GroupID, q.workerID, store.Outcome{Kind: store.OutcomeAwaitingAck}); err != nil {
			return q.lost(op, err)
		}
		opErr := &OperationError{GroupID: op.GroupID, Type: op.OperationType, Kind: kind, Err: sendErr}
		q.bus.Emit(bus.PendingFailed, opErr)
		return Waiting, opErr

	case dsclient.KindRejected:
		if _, err := q.db.AbandonPendingOperation(ctx, op.GroupID, q.workerID); err != nil {
			return Busy, err
		}
		opErr := &OperationError{GroupID: op.GroupID, Type: op.OperationType, Kind: kind, Err: sendErr}
		log.Warn("operation rejected, dropped", zap.Error(sendErr))
		q.bus.Emit(bus.PendingFailed, opErr)
		return Dropped, opErr
	}

	if attempts >= maxAttempts {
		return q.abandon(ctx, op, sendErr)
	}

	if kind == dsclient.KindAwaitingAck {
		if _, err := q.db.ReleasePendingOperation(ctx, op.GroupID, q.workerID, store.Outcome{Kind: store.OutcomeAwaitingAck}); err != nil {
			return q.lost(op, err)
		}
		log.Info("no queue response yet")
		q.bus.Emit(bus.PendingWaiting, map[string]string{"group_id": op.GroupID})
		return Waiting, nil
	}

	retryAt := q.clock.Now().Add(q.cfg.Policy.Delay(attempts))
	if _, err := q.db.ReleasePendingOperation(ctx, op.GroupID, q.workerID, store.Outcome{Kind: store.OutcomeFailed, RetryAt: retryAt}); err != nil {
		return q.lost(op, err)
	}
	if op.OperationType == store.OperationLeave && op.NumberOfAttempts == 0 {
		// The user asked to leave. Apply it locally now and keep telling
		// the server in the background.
		q.applied(ctx, op)
	}
	log.Info("retry scheduled", zap.Time("retry_at", retryAt), zap.Error(sendErr))
	q.bus.Emit(bus.PendingRetry, map[string]string{"group_id": op.GroupID, "retry_at": retryAt.Format(time.RFC3339)})
	return RetryScheduled, nil
}

func (q *Queue) resolve(ctx context.Context, op *store.PendingChatOperation) (Result, error) {
	if _, err := q.db.ReleasePendingOperation(ctx, op.GroupID, q.workerID, store.Outcome{Kind: store.OutcomeSucceeded}); err != nil {
		return q.lost(op, err)
	}
	q.applied(ctx, op)
	q.logger.Info("pending operation resolved", zap.String("group_id", op.GroupID), zap.String("operation_type", string(op.OperationType)))
	q.bus.Emit(bus.PendingResolved, map[string]string{"group_id": op.GroupID, "operation_type": string(op.OperationType)})
	return Resolved, nil
}

// lost handles a release that found the claim gone: a queue response
// settled the row while the submit was in flight, or the lease ran out and
// another worker owns it now.
func (q *Queue) lost(op *store.PendingChatOperation, err error) (Result, error) {
	if errors.Is(err, store.ErrLockLost) {
		q.logger.Info("pending operation claim lost during submit", zap.String("group_id", op.GroupID))
		return Busy, nil
	}
	return Busy, err
}

func (q *Queue) abandon(ctx context.Context, op *store.PendingChatOperation, last error) (Result, error) {
	removed, err := q.db.AbandonPendingOperation(ctx, op.GroupID, q.workerID)
	if err != nil {
		return Busy, err
	}
	if !removed {
		return Busy, nil
	}
	attempts := op.NumberOfAttempts
	if last != nil {
		attempts++
	}
	exhausted := &RetryExhaustedError{GroupID: op.GroupID, Type: op.OperationType, Attempts: attempts, Last: last}
	q.logger.Error("pending operation abandoned", zap.String("group_id", op.GroupID), zap.Int("attempts", attempts), zap.Error(last))
	q.bus.Emit(bus.PendingAbandoned, exhausted)
	return Abandoned, exhausted
}

func (q *Queue) applied(ctx context.Context, op *store.PendingChatOperation) {
	if q.onApplied != nil {
		q.onApplied(ctx, op)
	}
}

// AckQueueResponse applies the server's queue response for groupID. An
// accepted operation is resolved. A refused one is retried right away.
// Returns false if nothing was waiting.
func (q *Queue) AckQueueResponse(ctx context.Context, groupID string, accepted bool) (bool, error) {
	var op *store.PendingChatOperation
	if accepted && q.onApplied != nil {
		var err error
		if op, err = q.db.GetPendingOperation(ctx, groupID); err != nil {
			return false, err
		}
	}
	found, err := q.db.AckQueueResponse(ctx, groupID, accepted)
	if err != nil || !found {
		return found, err
	}
	if accepted {
		if op != nil {
			q.applied(ctx, op)
		}
		q.bus.Emit(bus.PendingResolved, map[string]string{"group_id": groupID})
	}
	return true, nil
}

// ExpireStaleWaits makes operations that waited longer than the ack
// timeout ready to retry.
func (q *Queue) ExpireStaleWaits(ctx context.Context) (int64, error) {
	if q.cfg.AckTimeout <= 0 {
		return 0, nil
	}
	return q.db.ExpireStaleWaits(ctx, q.clock.Now().Add(-q.cfg.AckTimeout))
}

// Start begins polling for due operations.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.loop(ctx)
}

// Stop stops the loop and waits for the current pass to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	ticker := q.clock.Ticker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) tick(ctx context.Context) {
	if n, err := q.ExpireStaleWaits(ctx); err != nil {
		q.logger.Error("failed to expire stale waits", zap.Error(err))
	} else if n > 0 {
		q.logger.Info("operations back to ready after ack timeout", zap.Int64("count", n))
	}
	if _, err := q.ProcessDue(ctx); err != nil && ctx.Err() == nil {
		q.logger.Error("failed to process pending operations", zap.Error(err))
	}
}
