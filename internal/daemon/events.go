package daemon

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/phnx-im/air-sub001/internal/bus"
	"github.com/phnx-im/air-sub001/internal/dsclient"
	"github.com/phnx-im/air-sub001/internal/handshake"
	"github.com/phnx-im/air-sub001/internal/logging"
	"github.com/phnx-im/air-sub001/internal/pending"
	"github.com/phnx-im/air-sub001/internal/store"
)

// Watcher turns engine events the user has to see into store notifications.
// It subscribes to the bus and does not call the engine back.
type Watcher struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher.
func NewWatcher(db *store.DB, b *bus.Bus, logger *zap.Logger) *Watcher {
	return &Watcher{db: db, bus: b, logger: logging.OrNop(logger)}
}

// Start subscribes to the bus. Events are handled in the order published.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	ch, unsub := w.bus.Subscribe("", 256)

	go func() {
		defer close(w.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				w.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unsubscribes and waits for the current event to finish.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *Watcher) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.PendingAbandoned:
		var exhausted *pending.RetryExhaustedError
		if !asPayload(evt, &exhausted) {
			return
		}
		w.operationFailed(ctx, exhausted.GroupID, exhausted)
	case bus.PendingFailed:
		var opErr *pending.OperationError
		if !asPayload(evt, &opErr) {
			return
		}
		if opErr.Kind == dsclient.KindWrongEpoch {
			w.logger.Warn("operation waits for queue response after epoch mismatch", zap.String("group_id", opErr.GroupID))
			return
		}
		w.operationFailed(ctx, opErr.GroupID, opErr)
	case bus.HandshakeChanged:
		if change, ok := evt.Payload.(handshake.StateChange); ok {
			w.logger.Info("connection state changed",
				zap.String("chat_id", change.ChatID),
				zap.String("from", string(change.From)),
				zap.String("to", string(change.To)))
		}
	case bus.PushTokenFailed:
		w.logger.Warn("push token upload failed, will retry")
	}
}

func (w *Watcher) operationFailed(ctx context.Context, groupID string, cause error) {
	w.logger.Error("chat operation failed", zap.String("group_id", groupID), zap.Error(cause))
	if err := w.db.Notify(ctx, store.NotifyOperationFailed, groupID); err != nil && ctx.Err() == nil {
		w.logger.Error("failed to record operation failure", zap.String("group_id", groupID), zap.Error(err))
	}
}

func asPayload[T error](evt bus.Event, target *T) bool {
	err, ok := evt.Payload.(error)
	return ok && errors.As(err, target)
}
