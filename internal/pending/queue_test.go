package pending

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/phnx-im/air-sub001/internal/bus"
	"github.com/phnx-im/air-sub001/internal/dsclient"
	"github.com/phnx-im/air-sub001/internal/ear"
	"github.com/phnx-im/air-sub001/internal/store"
)

// mockSubmitter records calls and returns queued errors, then nil.
type mockSubmitter struct {
	mu    sync.Mutex
	calls []store.PendingChatOperation
	errs  []error
}

func (m *mockSubmitter) Submit(_ context.Context, op *store.PendingChatOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, *op)
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *mockSubmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// submitFunc adapts a function to Submitter.
type submitFunc func(ctx context.Context, op *store.PendingChatOperation) error

func (f submitFunc) Submit(ctx context.Context, op *store.PendingChatOperation) error {
	return f(ctx, op)
}

func dsErr(kind dsclient.Kind) error {
	return &dsclient.Error{Method: dsclient.MethodSendCommit, Kind: kind, Err: errors.New(kind.String())}
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	key, err := ear.NewKey()
	require.NoError(t, err)
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), key)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	db    *store.DB
	q     *Queue
	sub   *mockSubmitter
	bus   *bus.Bus
	clock *clock.Mock
}

func newFixture(t *testing.T, errs ...error) *fixture {
	t.Helper()
	db := testDB(t)
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	db.SetClock(mock)

	for _, g := range []string{"G", "H"} {
		_, err := db.UpsertChat(context.Background(), &store.Chat{ChatID: "chat-" + g, GroupID: g})
		require.NoError(t, err)
	}

	sub := &mockSubmitter{errs: errs}
	b := bus.New()
	q := NewQueue(db, sub, b, nil, DefaultConfig())
	q.SetClock(mock)
	return &fixture{db: db, q: q, sub: sub, bus: b, clock: mock}
}

func TestSubmitResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, unsub := f.bus.Subscribe(bus.PendingResolved, 10)
	defer unsub()

	var applied []string
	f.q.OnApplied(func(_ context.Context, op *store.PendingChatOperation) { applied = append(applied, op.GroupID) })

	res, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
	require.NoError(t, err)
	require.Equal(t, Resolved, res)
	require.Equal(t, 1, f.sub.count())
	require.Equal(t, []byte("commit"), f.sub.calls[0].OperationData)
	require.Equal(t, []string{"G"}, applied)

	op, err := f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Nil(t, op)

	select {
	case evt := <-ch:
		require.Equal(t, bus.PendingResolved, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pending.resolved")
	}
}

func TestSubmitOnePerGroup(t *testing.T) {
	f := newFixture(t, dsErr(dsclient.KindNetwork))
	ctx := context.Background()

	_, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("a"))
	require.NoError(t, err)
	_, err = f.q.Submit(ctx, "G", store.OperationLeave, []byte("b"))
	require.ErrorIs(t, err, store.ErrOperationPending)
}

func TestNetworkErrorBacksOff(t *testing.T) {
	f := newFixture(t, repeat(dsErr(dsclient.KindNetwork), 2)...)
	ctx := context.Background()
	start := f.clock.Now()

	res, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
	require.NoError(t, err)
	require.Equal(t, RetryScheduled, res)

	op, err := f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Equal(t, 1, op.NumberOfAttempts)
	require.Equal(t, store.StatusReadyToRetry, op.RequestStatus)
	require.Equal(t, start.Add(5*time.Second).UnixMilli(), op.RetryDueAt)
	require.Empty(t, op.LockedBy)

	// Not due yet.
	n, err := f.q.ProcessDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Add(5 * time.Second)
	n, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	op, err = f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Equal(t, 2, op.NumberOfAttempts)
	require.Equal(t, f.clock.Now().Add(10*time.Second).UnixMilli(), op.RetryDueAt)

	// Third try succeeds.
	f.clock.Add(10 * time.Second)
	_, err = f.q.ProcessDue(ctx)
	require.NoError(t, err)
	op, err = f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Nil(t, op)
	require.Equal(t, 3, f.sub.count())
}

// TestAbandonAtMaxAttempts covers a row that already carries the maximum
// number of attempts: the next pick-up deletes it and reports the failure
// exactly once.
func TestAbandonAtMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch, unsub := f.bus.Subscribe(bus.PendingAbandoned, 10)
	defer unsub()

	require.NoError(t, f.db.StorePendingOperation(ctx, "G", store.OperationOther, []byte("commit")))
	_, err := f.db.Exec(`UPDATE pending_chat_operation SET number_of_attempts = 5 WHERE group_id = 'G'`)
	require.NoError(t, err)

	res, err := f.q.Attempt(ctx, "G")
	require.Equal(t, Abandoned, res)
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, "G", exhausted.GroupID)
	require.Equal(t, 5, exhausted.Attempts)
	require.Zero(t, f.sub.count(), "an exhausted operation must not be sent again")

	op, err := f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Nil(t, op)

	// Nothing left to fail.
	res, err = f.q.Attempt(ctx, "G")
	require.NoError(t, err)
	require.Equal(t, Busy, res)
	n, err := f.q.ProcessDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	select {
	case evt := <-ch:
		require.IsType(t, &RetryExhaustedError{}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pending.abandoned")
	}
	select {
	case evt := <-ch:
		t.Fatalf("abandonment surfaced twice: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAbandonAfterRepeatedNetworkErrors(t *testing.T) {
	f := newFixture(t, repeat(dsErr(dsclient.KindNetwork), 10)...)
	ctx := context.Background()
	ch, unsub := f.bus.Subscribe(bus.PendingAbandoned, 10)
	defer unsub()

	_, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
	require.NoError(t, err)

	for _, wait := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second} {
		f.clock.Add(wait)
		_, err := f.q.ProcessDue(ctx)
		require.NoError(t, err)
	}

	require.Equal(t, DefaultPolicy.MaxAttempts, f.sub.count())
	op, err := f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Nil(t, op)

	select {
	case evt := <-ch:
		exhausted := evt.Payload.(*RetryExhaustedError)
		require.Equal(t, 5, exhausted.Attempts)
		require.True(t, dsclient.IsRetryable(exhausted.Last))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pending.abandoned")
	}
}

func TestAwaitingAckThenQueueResponse(t *testing.T) {
	f := newFixture(t, dsErr(dsclient.KindAwaitingAck))
	ctx := context.Background()

	res, err := f.q.Submit(ctx, "G", store.OperationDelete, []byte("delete"))
	require.NoError(t, err)
	require.Equal(t, Waiting, res)

	op, err := f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Equal(t, store.StatusWaitingForQueueResponse, op.RequestStatus)
	require.Equal(t, 1, op.NumberOfAttempts)

	// A manual attempt must not resend while the server may still apply it.
	res, err = f.q.Attempt(ctx, "G")
	require.NoError(t, err)
	require.Equal(t, Waiting, res)
	require.Equal(t, 1, f.sub.count())
	op, _ = f.db.GetPendingOperation(ctx, "G")
	require.Empty(t, op.LockedBy)

	var applied bool
	f.q.OnApplied(func(context.Context, *store.PendingChatOperation) { applied = true })
	found, err := f.q.AckQueueResponse(ctx, "G", true)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, applied)

	op, err = f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestStaleWaitBecomesReady(t *testing.T) {
	f := newFixture(t, dsErr(dsclient.KindAwaitingAck))
	ctx := context.Background()

	_, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
	require.NoError(t, err)

	n, err := f.q.ExpireStaleWaits(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Add(DefaultConfig().AckTimeout + time.Second)
	n, err = f.q.ExpireStaleWaits(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	processed, err := f.q.ProcessDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, 2, f.sub.count())
}

// TestDeadWorkerDoesNotWedgeGroup covers a worker that marked a row as
// handed to the server and then vanished without releasing it.
func TestDeadWorkerDoesNotWedgeGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.StorePendingOperation(ctx, "G", store.OperationOther, []byte("commit")))
	op, err := f.db.ClaimPendingOperation(ctx, "G", "dead-worker")
	require.NoError(t, err)
	require.NotNil(t, op)
	require.NoError(t, f.db.MarkWaitingForQueueResponse(ctx, "G", "dead-worker"))

	f.q.tick(ctx)
	require.Zero(t, f.sub.count(), "claim is still within its lease")

	f.clock.Add(DefaultConfig().AckTimeout + store.DefaultLockLease)
	f.q.tick(ctx)
	require.Equal(t, 1, f.sub.count())

	op, err = f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestCancelledSubmitReleasesClaim(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	q := NewQueue(f.db, submitFunc(func(ctx context.Context, _ *store.PendingChatOperation) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), f.bus, nil, DefaultConfig())
	q.SetClock(f.clock)
	require.NoError(t, f.db.StorePendingOperation(context.Background(), "G", store.OperationOther, []byte("commit")))

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := q.Attempt(ctx, "G")
		done <- outcome{res, err}
	}()
	<-started
	cancel()

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, RetryScheduled, out.res)

	op, err := f.db.GetPendingOperation(context.Background(), "G")
	require.NoError(t, err)
	require.Equal(t, store.StatusReadyToRetry, op.RequestStatus)
	require.Empty(t, op.LockedBy)
	require.Equal(t, 1, op.NumberOfAttempts)
}

func TestQueueResponseDuringSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var applied []string
	q := NewQueue(f.db, nil, f.bus, nil, DefaultConfig())
	q.SetClock(f.clock)
	q.OnApplied(func(_ context.Context, op *store.PendingChatOperation) { applied = append(applied, op.GroupID) })
	q.submitter = submitFunc(func(ctx context.Context, op *store.PendingChatOperation) error {
		found, err := q.AckQueueResponse(ctx, op.GroupID, true)
		require.NoError(t, err)
		require.True(t, found, "response for an in-flight submit is recorded")
		return nil
	})

	res, err := q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
	require.NoError(t, err)
	require.Equal(t, Busy, res)
	require.Equal(t, []string{"G"}, applied, "applied once, by the queue response")

	op, err := f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestWrongEpoch(t *testing.T) {
	t.Run("commit waits", func(t *testing.T) {
		f := newFixture(t, dsErr(dsclient.KindWrongEpoch))
		ctx := context.Background()

		res, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
		require.Equal(t, Waiting, res)
		var opErr *OperationError
		require.ErrorAs(t, err, &opErr)
		require.Equal(t, dsclient.KindWrongEpoch, opErr.Kind)

		op, err := f.db.GetPendingOperation(ctx, "G")
		require.NoError(t, err)
		require.Equal(t, store.StatusWaitingForQueueResponse, op.RequestStatus)
	})

	t.Run("leave resolves", func(t *testing.T) {
		f := newFixture(t, dsErr(dsclient.KindWrongEpoch))
		ctx := context.Background()

		res, err := f.q.Submit(ctx, "G", store.OperationLeave, []byte("self-remove"))
		require.NoError(t, err)
		require.Equal(t, Resolved, res)
		op, err := f.db.GetPendingOperation(ctx, "G")
		require.NoError(t, err)
		require.Nil(t, op)
	})
}

func TestRejection(t *testing.T) {
	t.Run("first attempt drops", func(t *testing.T) {
		f := newFixture(t, dsErr(dsclient.KindRejected))
		ctx := context.Background()
		ch, unsub := f.bus.Subscribe(bus.PendingFailed, 10)
		defer unsub()

		res, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
		require.Equal(t, Dropped, res)
		var opErr *OperationError
		require.ErrorAs(t, err, &opErr)

		op, err := f.db.GetPendingOperation(ctx, "G")
		require.NoError(t, err)
		require.Nil(t, op)

		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for pending.failed")
		}
	})

	t.Run("after earlier attempts retries", func(t *testing.T) {
		f := newFixture(t, dsErr(dsclient.KindNetwork), dsErr(dsclient.KindRejected))
		ctx := context.Background()

		_, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
		require.NoError(t, err)
		f.clock.Add(5 * time.Second)
		_, err = f.q.ProcessDue(ctx)
		require.NoError(t, err)

		op, err := f.db.GetPendingOperation(ctx, "G")
		require.NoError(t, err)
		require.NotNil(t, op)
		require.Equal(t, 2, op.NumberOfAttempts)
	})
}

func TestLeaveAppliedLocallyOnNetworkError(t *testing.T) {
	f := newFixture(t, dsErr(dsclient.KindNetwork))
	ctx := context.Background()
	var applied int
	f.q.OnApplied(func(context.Context, *store.PendingChatOperation) { applied++ })

	res, err := f.q.Submit(ctx, "G", store.OperationLeave, []byte("self-remove"))
	require.NoError(t, err)
	require.Equal(t, RetryScheduled, res)
	require.Equal(t, 1, applied)

	op, err := f.db.GetPendingOperation(ctx, "G")
	require.NoError(t, err)
	require.NotNil(t, op, "the server still has to learn about the leave")
}

func TestChatDeleteCancelsOperation(t *testing.T) {
	f := newFixture(t, dsErr(dsclient.KindNetwork))
	ctx := context.Background()

	_, err := f.q.Submit(ctx, "G", store.OperationOther, []byte("commit"))
	require.NoError(t, err)
	_, err = f.db.DeleteChat(ctx, "chat-G")
	require.NoError(t, err)

	f.clock.Add(time.Hour)
	n, err := f.q.ProcessDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, f.sub.count())
}

func TestTwoQueuesNeverSendTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := NewQueue(f.db, f.sub, f.bus, nil, DefaultConfig())
	other.SetClock(f.clock)

	require.NoError(t, f.db.StorePendingOperation(ctx, "G", store.OperationOther, []byte("commit")))

	var wg sync.WaitGroup
	for _, q := range []*Queue{f.q, other, f.q, other} {
		wg.Add(1)
		go func(q *Queue) {
			defer wg.Done()
			_, _ = q.ProcessDue(ctx)
		}(q)
	}
	wg.Wait()
	require.Equal(t, 1, f.sub.count())
}

func TestStartStop(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, err := db.UpsertChat(ctx, &store.Chat{ChatID: "c", GroupID: "G"})
	require.NoError(t, err)
	require.NoError(t, db.StorePendingOperation(ctx, "G", store.OperationOther, []byte("commit")))

	sub := &mockSubmitter{}
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	q := NewQueue(db, sub, nil, nil, cfg)
	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool { return sub.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		op, err := db.GetPendingOperation(ctx, "G")
		return err == nil && op == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPolicyDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{8, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := DefaultPolicy.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
