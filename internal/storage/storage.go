package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/suspectuso/stars-exchange/internal/exchange"
)

const (
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Store is an exchange.Store that owns a connection
type Store interface {
	exchange.Store
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Driver string
	Path   string // sqlite and bolt file
	DSN    string // postgres connection string
}

// Open creates the backend named by cfg.Driver
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLite(cfg.Path)
	case DriverBolt:
		return NewBolt(cfg.Path)
	case DriverPostgres:
		return NewPostgres(cfg.DSN)
	case DriverMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

// NewSQLite opens the SQLite database at dbPath and creates the schema.
// Transactions start with BEGIN IMMEDIATE so CompareAndSwap holds the write
// lock from its first read.
func NewSQLite(dbPath string) (Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if err := initSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &sqlStore{db: db, now: time.Now}, nil
}

func initSQLite(db *sqlx.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			user_key INTEGER PRIMARY KEY,
			state TEXT NOT NULL,
			stars_requested INTEGER NOT NULL DEFAULT 0,
			usdt_amount TEXT NOT NULL DEFAULT '0',
			payment_reference TEXT NOT NULL DEFAULT '',
			invoice_url TEXT NOT NULL DEFAULT '',
			charge_id TEXT NOT NULL DEFAULT '',
			disbursement_id TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			wallet_address TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, updated_at)`,

		`CREATE TABLE IF NOT EXISTS charges (
			charge_id TEXT PRIMARY KEY,
			user_key INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}
