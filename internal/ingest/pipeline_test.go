package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/phnx-im/air-sub001/internal/ear"
	"github.com/phnx-im/air-sub001/internal/store"
)

var pushKey = bytes.Repeat([]byte{0x42}, ear.KeySize)

// setupStore creates a migrated store with its key file and push key, the
// way the foreground daemon leaves it.
func setupStore(t *testing.T) (string, *store.DB) {
	t.Helper()
	dir := t.TempDir()
	key, err := ear.LoadOrCreateKey(filepath.Join(dir, "store.key"))
	require.NoError(t, err)
	path := filepath.Join(dir, "air.db")
	db, err := store.Open(path, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)
	require.NoError(t, db.SetOwnClient(context.Background(), store.UserID{UUID: "me", Domain: "example.com"}, pushKey))
	return path, db
}

func envelope(t *testing.T, path string, p *Payload) *Envelope {
	t.Helper()
	data, err := Seal(pushKey, p)
	require.NoError(t, err)
	return &Envelope{Title: "t", Body: "b", Data: data, Path: path}
}

func intPtr(n int) *int { return &n }

func TestRedeliveryIsIdempotent(t *testing.T) {
	path, db := setupStore(t)
	ctx := context.Background()
	p := New(nil, DefaultOptions())

	env := envelope(t, path, &Payload{
		Additions:  []Addition{{ID: "m1", Title: "A", Body: "hi"}},
		Removals:   []string{"n0"},
		BadgeCount: intPtr(1),
	})

	for i := range 2 {
		batch, err := p.Process(ctx, env)
		require.NoError(t, err, "delivery %d", i+1)
		require.Equal(t, []string{PlaceholderID, "n0"}, batch.Removals)
		require.Len(t, batch.Additions, 1)
		require.Equal(t, NotificationID("", "m1"), batch.Additions[0].Identifier)
		require.Equal(t, "hi", batch.Additions[0].Body)
		require.Equal(t, 1, batch.BadgeCount)

		n, err := db.MessageCount(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	}

	m, err := db.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "A", m.Title)
	require.Equal(t, "hi", m.Body)

	notes, err := db.DequeueStoreNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, store.NotifyMessageAdded, notes[0].Kind)
	require.Equal(t, "m1", notes[0].EntityID)
}

func TestRepeatedAdditionShownOnce(t *testing.T) {
	path, db := setupStore(t)
	ctx := context.Background()
	p := New(nil, DefaultOptions())

	batch, err := p.Process(ctx, envelope(t, path, &Payload{
		Additions: []Addition{
			{ID: "m1", ChatID: "c1", Title: "Alice", Body: "one"},
			{ID: "m1", ChatID: "c1", Title: "Alice", Body: "one"},
			{ID: "m2", ChatID: "c1", Title: "Alice", Body: "two"},
		},
	}))
	require.NoError(t, err)
	require.Len(t, batch.Additions, 2)
	require.Equal(t, NotificationID("c1", "m1"), batch.Additions[0].Identifier)
	require.Equal(t, NotificationID("c1", "m2"), batch.Additions[1].Identifier)
	require.Equal(t, 2, batch.BadgeCount)

	notes, err := db.DequeueStoreNotifications(ctx)
	require.NoError(t, err)
	var added []string
	for _, n := range notes {
		if n.Kind == store.NotifyMessageAdded {
			added = append(added, n.EntityID)
		}
	}
	require.Equal(t, []string{"m1", "m2"}, added)
}

func TestAdditionCreatesChat(t *testing.T) {
	path, db := setupStore(t)
	ctx := context.Background()
	p := New(nil, DefaultOptions())

	batch, err := p.Process(ctx, envelope(t, path, &Payload{
		Additions: []Addition{
			{ID: "m1", ChatID: "c1", Title: "Alice", Body: "one", SentAt: 10},
			{ID: "m2", ChatID: "c1", Title: "Alice", Body: "two", SentAt: 20},
		},
	}))
	require.NoError(t, err)
	require.Equal(t, 2, batch.BadgeCount)
	require.Equal(t, "c1", batch.Additions[1].ChatID)
	require.Equal(t, NotificationID("c1", "m2"), batch.Additions[1].Identifier)
	require.NotEqual(t, batch.Additions[0].Identifier, batch.Additions[1].Identifier)

	chat, err := db.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, chat)
	require.True(t, chat.IsIncoming)

	msgs, err := db.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, err = db.MarkChatRead(ctx, "c1")
	require.NoError(t, err)
	batch, err = p.Process(ctx, envelope(t, path, &Payload{}))
	require.NoError(t, err)
	require.Zero(t, batch.BadgeCount)
	require.Equal(t, []string{PlaceholderID}, batch.Removals)
}

func TestNotificationIDStable(t *testing.T) {
	require.Equal(t, NotificationID("c", "m"), NotificationID("c", "m"))
	require.NotEqual(t, NotificationID("c", "m"), NotificationID("c", "n"))
	require.NotEqual(t, NotificationID("c1", "m"), NotificationID("c2", "m"))
	require.NotEqual(t, PlaceholderID, NotificationID("", "placeholder"))
}

func TestFailClosed(t *testing.T) {
	otherKey := bytes.Repeat([]byte{0x17}, ear.KeySize)
	k, err := ear.KeyFromBytes(pushKey)
	require.NoError(t, err)
	garbage, err := k.Seal([]byte("{not json"), pushAD)
	require.NoError(t, err)
	forged, err := Seal(otherKey, &Payload{Additions: []Addition{{ID: "m1", Body: "secret"}}})
	require.NoError(t, err)
	missingID, err := Seal(pushKey, &Payload{Additions: []Addition{{ID: "m1"}, {Body: "no id"}}})
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   string
		target any
	}{
		{"wrong key", forged, new(*DecryptionError)},
		{"bad base64", "!!!", new(*DecryptionError)},
		{"truncated", "AAAA", new(*DecryptionError)},
		{"bad json", base64Std(garbage), new(*DecodeError)},
		{"missing id", missingID, new(*DecodeError)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, db := setupStore(t)
			p := New(nil, DefaultOptions())

			batch, err := p.Process(context.Background(), &Envelope{Data: tt.data, Path: path})
			require.Error(t, err)
			require.ErrorAs(t, err, tt.target)
			require.Equal(t, Contentless(), batch)

			n, err := db.MessageCount(context.Background())
			require.NoError(t, err)
			require.Zero(t, n, "nothing may be applied from a bad payload")
		})
	}
}

func TestNoPushKey(t *testing.T) {
	dir := t.TempDir()
	key, err := ear.LoadOrCreateKey(filepath.Join(dir, "store.key"))
	require.NoError(t, err)
	path := filepath.Join(dir, "air.db")
	db, err := store.Open(path, key)
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	batch, err := New(nil, DefaultOptions()).Process(context.Background(), &Envelope{Data: "AAAA", Path: path})
	var de *DecryptionError
	require.ErrorAs(t, err, &de)
	require.ErrorIs(t, err, errNoPushKey)
	require.Equal(t, Contentless(), batch)
}

func TestMissingStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "air.db")
	batch, err := New(nil, DefaultOptions()).Process(context.Background(), &Envelope{Data: "AAAA", Path: path})

	var su *StoreUnavailableError
	require.ErrorAs(t, err, &su)
	require.False(t, su.Locked)
	require.Equal(t, Contentless(), batch)

	_, err = os.Stat(path)
	require.ErrorIs(t, err, fs.ErrNotExist, "processing must not create a store")
}

func TestMissingKeyFile(t *testing.T) {
	path, _ := setupStore(t)
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(path), "store.key")))

	_, err := OpenStore(path)
	var su *StoreUnavailableError
	require.ErrorAs(t, err, &su)
	require.False(t, su.Locked)
}

func TestLockedStoreShowsPlaceholder(t *testing.T) {
	opts := DefaultOptions()
	p := New(nil, opts)
	p.open = func(path string) (*store.DB, error) {
		return nil, unavailable(path, fmt.Errorf("open: %w", fs.ErrPermission))
	}

	for range 2 {
		batch, err := p.Process(context.Background(), &Envelope{Path: "/data/air.db"})
		var su *StoreUnavailableError
		require.ErrorAs(t, err, &su)
		require.True(t, su.Locked)

		require.Equal(t, []string{PlaceholderID}, batch.Removals)
		require.Len(t, batch.Additions, 1)
		require.Equal(t, PlaceholderID, batch.Additions[0].Identifier)
		require.Equal(t, opts.PlaceholderTitle, batch.Additions[0].Title)
	}
}

func TestUnreadableStoreIsLocked(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	path, _ := setupStore(t)
	require.NoError(t, os.Chmod(path, 0))
	t.Cleanup(func() { _ = os.Chmod(path, 0600) })

	_, err := OpenStore(path)
	var su *StoreUnavailableError
	require.ErrorAs(t, err, &su)
	require.True(t, su.Locked)
}

func TestUnavailableClassification(t *testing.T) {
	var su *StoreUnavailableError

	require.ErrorAs(t, unavailable("p", fmt.Errorf("x: %w", fs.ErrPermission)), &su)
	require.True(t, su.Locked)
	require.ErrorAs(t, unavailable("p", fmt.Errorf("x: %w", fs.ErrNotExist)), &su)
	require.False(t, su.Locked)

	other := errors.New("disk on fire")
	require.Same(t, other, unavailable("p", other))
}

func TestCancelledRunAppliesNothing(t *testing.T) {
	path, db := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := New(nil, DefaultOptions()).Process(ctx, envelope(t, path, &Payload{
		Additions: []Addition{{ID: "m1", Body: "hi"}},
	}))
	require.Error(t, err)
	require.Equal(t, Contentless(), batch)

	n, err := db.MessageCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"title":"t","body":"b","data":"AAAA","path":"/x/air.db","logFilePath":"/x/log","priority":"high"}`))
	require.NoError(t, err)
	require.Equal(t, "/x/air.db", env.Path)
	require.Equal(t, "/x/log", env.LogFilePath)

	_, err = ParseEnvelope([]byte(`{`))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func base64Std(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
