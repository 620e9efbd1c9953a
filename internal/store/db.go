package store

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/phnx-im/air-sub001/internal/ear"
)

// DefaultLockLease is how long a pending operation claim survives before
// another worker may take it over.
const DefaultLockLease = 30 * time.Second

// DB wraps the client's SQLite store. Blob columns holding key material or
// message content are sealed with the store's EAR key.
type DB struct {
	*sqlx.DB
	key   ear.Key
	clock clock.Clock
	lease time.Duration
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions begin IMMEDIATE so concurrent processes serialize on the
// write lock instead of failing on upgrade.
func Open(path string, key ear.Key) (*DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, key: key, clock: clock.New(), lease: DefaultLockLease}, nil
}

// SetClock replaces the time source. Used by tests.
func (db *DB) SetClock(c clock.Clock) { db.clock = c }

// SetLockLease overrides DefaultLockLease.
func (db *DB) SetLockLease(d time.Duration) { db.lease = d }

func (db *DB) now() time.Time { return db.clock.Now() }

// Tx is a write transaction over the store.
type Tx struct {
	*sqlx.Tx
	db *DB
}

// InTx runs fn inside a single transaction. The transaction is rolled back
// unless fn returns nil and the commit succeeds.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("begin tx", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{Tx: sqlTx, db: db}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return wrap("commit tx", err)
	}
	return nil
}

func (db *DB) seal(plain []byte, ad string) ([]byte, error) {
	sealed, err := db.key.Seal(plain, []byte(ad))
	if err != nil {
		return nil, wrap("seal", err)
	}
	return sealed, nil
}

func (db *DB) open(sealed []byte, ad string) ([]byte, error) {
	plain, err := db.key.Open(sealed, []byte(ad))
	if err != nil {
		return nil, wrap("open sealed column", err)
	}
	return plain, nil
}
