// Package pushtoken keeps the queue service's copy of the push token in
// step with push_token_state.
package pushtoken

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/phnx-im/air-sub001/internal/bus"
	"github.com/phnx-im/air-sub001/internal/logging"
	"github.com/phnx-im/air-sub001/internal/store"
)

// Uploader registers a push token with the server.
type Uploader interface {
	UpdatePushToken(ctx context.Context, operator store.PushTokenOperator, token string) error
}

// Reconciler uploads the stored push token whenever it is flagged pending.
type Reconciler struct {
	db       *store.DB
	uploader Uploader
	bus      *bus.Bus
	logger   *zap.Logger
	clock    clock.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, uploader Uploader, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, uploader: uploader, bus: b, logger: logging.OrNop(logger), clock: clock.New()}
}

// SetClock replaces the time source. Used by tests.
func (r *Reconciler) SetClock(c clock.Clock) { r.clock = c }

// Set records a new token and tries to upload it. An unchanged token is a
// no-op. If the upload fails the token stays pending for the next Sync.
func (r *Reconciler) Set(ctx context.Context, operator store.PushTokenOperator, token string) (bool, error) {
	changed, err := r.db.WritePushTokenState(ctx, operator, token)
	if err != nil || !changed {
		return false, err
	}
	r.logger.Info("push token changed", zap.Stringer("operator", operator))
	_, err = r.Sync(ctx)
	return true, err
}

// Sync uploads the token if it is pending. Reports whether an upload
// happened.
func (r *Reconciler) Sync(ctx context.Context) (bool, error) {
	st, err := r.db.ReadPushTokenState(ctx)
	if err != nil {
		return false, err
	}
	if st == nil || !st.PendingUpdate {
		return false, nil
	}

	if err := r.uploader.UpdatePushToken(ctx, st.Operator, st.Token); err != nil {
		r.bus.Emit(bus.PushTokenFailed, map[string]string{"operator": st.Operator.String(), "error": err.Error()})
		return false, fmt.Errorf("upload push token: %w", err)
	}

	// Only the version just uploaded is cleared. A token written meanwhile
	// stays pending and goes out on the next pass.
	cleared, err := r.db.ClearPushTokenPending(ctx, st.UpdatedAt)
	if err != nil {
		return true, err
	}
	if !cleared {
		r.logger.Debug("push token changed during upload")
	}
	r.bus.Emit(bus.PushTokenUploaded, map[string]string{"operator": st.Operator.String()})
	return true, nil
}

// Start runs Sync every interval until Stop.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := r.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.Sync(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("push token sync failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
