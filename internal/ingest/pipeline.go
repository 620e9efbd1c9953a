// Package ingest applies push payloads to the local store from the
// background execution context.
//
// A push is opened with the client's push key, decoded and written in one
// transaction. Whatever goes wrong, the caller gets a batch it can show: the
// real notifications, a fixed placeholder while the device is locked, or a
// contentless batch.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/phnx-im/air-sub001/internal/ear"
	"github.com/phnx-im/air-sub001/internal/logging"
	"github.com/phnx-im/air-sub001/internal/session"
	"github.com/phnx-im/air-sub001/internal/store"
)

// Options tunes a Pipeline.
type Options struct {
	Budget           time.Duration
	PlaceholderTitle string
	PlaceholderBody  string
}

// DefaultOptions matches the defaults in the config package.
func DefaultOptions() Options {
	return Options{
		Budget:           25 * time.Second,
		PlaceholderTitle: "New messages",
		PlaceholderBody:  "Unlock your device to see new messages",
	}
}

// Pipeline processes pushes.
type Pipeline struct {
	logger *zap.Logger
	opts   Options
	open   func(path string) (*store.DB, error)
}

// New creates a pipeline.
func New(logger *zap.Logger, opts Options) *Pipeline {
	if opts.Budget <= 0 {
		opts.Budget = DefaultOptions().Budget
	}
	return &Pipeline{logger: logging.OrNop(logger), opts: opts, open: OpenStore}
}

// Process runs one push against the store at env.Path. The returned batch
// is never nil and is safe to show even when err is set.
func (p *Pipeline) Process(ctx context.Context, env *Envelope) (*Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Budget)
	defer cancel()

	db, err := p.open(env.Path)
	if err != nil {
		var su *StoreUnavailableError
		if errors.As(err, &su) && su.Locked {
			p.logger.Info("store locked, showing placeholder", zap.String("path", env.Path))
			return p.Placeholder(), err
		}
		p.logger.Error("failed to open store", zap.String("path", env.Path), zap.Error(err))
		return Contentless(), err
	}
	defer func() { _ = db.Close() }()

	batch, err := p.ProcessData(ctx, db, env.Data)
	if err != nil {
		p.logger.Error("failed to process push", zap.Error(err))
		return Contentless(), err
	}
	return batch, nil
}

// ProcessData opens data with the push key stored in db and applies it.
func (p *Pipeline) ProcessData(ctx context.Context, db *store.DB, data string) (*Batch, error) {
	own, err := db.OwnClient(ctx)
	if err != nil {
		return nil, err
	}
	if own == nil || len(own.PushEARKey) == 0 {
		return nil, &DecryptionError{Err: errNoPushKey}
	}
	plain, err := Decrypt(own.PushEARKey, data)
	if err != nil {
		return nil, err
	}
	payload, err := DecodePayload(plain)
	if err != nil {
		return nil, err
	}
	return p.Apply(ctx, db, payload)
}

// Apply writes the additions in one transaction and builds the batch to
// show. Messages already stored are left as they are, and an id repeated
// within the payload is shown once. The badge is the
// unread count after the write.
func (p *Pipeline) Apply(ctx context.Context, db *store.DB, payload *Payload) (*Batch, error) {
	batch := &Batch{
		Removals:  []string{PlaceholderID},
		Additions: make([]Notification, 0, len(payload.Additions)),
	}
	for _, r := range payload.Removals {
		if r != PlaceholderID {
			batch.Removals = append(batch.Removals, r)
		}
	}

	inserted := 0
	seen := make(map[string]bool, len(payload.Additions))
	err := db.InTx(ctx, func(tx *store.Tx) error {
		for _, a := range payload.Additions {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			if a.ChatID != "" {
				if _, err := tx.UpsertChat(ctx, &store.Chat{ChatID: a.ChatID, IsIncoming: true, Title: a.Title}); err != nil {
					return err
				}
			}
			isNew, err := tx.InsertMessage(ctx, &store.Message{
				MessageID: a.ID,
				ChatID:    a.ChatID,
				Title:     a.Title,
				Body:      a.Body,
				SentAt:    a.SentAt,
			})
			if err != nil {
				return err
			}
			if isNew {
				inserted++
				if err := tx.EnqueueStoreNotification(ctx, store.NotifyMessageAdded, a.ID); err != nil {
					return err
				}
			}
			batch.Additions = append(batch.Additions, Notification{
				Identifier: NotificationID(a.ChatID, a.ID),
				Title:      a.Title,
				Body:       a.Body,
				ChatID:     a.ChatID,
			})
		}
		n, err := tx.UnreadCount(ctx)
		batch.BadgeCount = n
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("push applied",
		zap.Int("additions", len(payload.Additions)),
		zap.Int("inserted", inserted),
		zap.Int("removals", len(payload.Removals)),
		zap.Int("badge", batch.BadgeCount))
	return batch, nil
}

// Placeholder is the batch shown while the store cannot be read. It
// replaces any placeholder shown before.
func (p *Pipeline) Placeholder() *Batch {
	return &Batch{
		Removals: []string{PlaceholderID},
		Additions: []Notification{{
			Identifier: PlaceholderID,
			Title:      p.opts.PlaceholderTitle,
			Body:       p.opts.PlaceholderBody,
		}},
	}
}

// OpenStore opens the store at path with the key file next to it, without
// creating either. A permission error means the device is locked and is
// reported apart from a missing store.
func OpenStore(path string) (*store.DB, error) {
	if path == "" {
		return nil, &StoreUnavailableError{Path: path, Err: fs.ErrNotExist}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, unavailable(path, err)
	}
	_ = f.Close()

	key, err := ear.LoadKey(session.KeyPathFor(path))
	if err != nil {
		return nil, unavailable(path, err)
	}
	db, err := store.Open(path, key)
	if err != nil {
		return nil, unavailable(path, err)
	}
	return db, nil
}

func unavailable(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return &StoreUnavailableError{Path: path, Locked: true, Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return &StoreUnavailableError{Path: path, Err: err}
	default:
		return err
	}
}
