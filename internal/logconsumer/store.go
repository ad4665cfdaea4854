package logconsumer

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	ecrypto "github.com/boeni-industries/aico-gateway/internal/crypto"
)

// logStoreClientID and logStoreDirection bind the at-rest AEAD
// envelope's associated data, mirroring the per-session framing in
// internal/crypto but with a fixed identity since log records aren't
// tied to any one client session.
const logStoreClientID = "logstore"

var logStoreDirection = ecrypto.ServerToClient

//go:embed migrations
var migrationsFS embed.FS

// LogEvent is spec §3's append-only structured log record.
type LogEvent struct {
	Timestamp time.Time      `db:"occurred_at" json:"timestamp"`
	Level     string         `db:"level" json:"level"`
	Subsystem string         `db:"subsystem" json:"subsystem"`
	Message   string         `db:"message" json:"message"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// Store persists batches of LogEvents. Grounded on
// internal/app/httpapi/audit.go's auditSink{Write(entry) error}
// interface, generalized from one-entry-at-a-time to batched writes.
type Store interface {
	InsertBatch(ctx context.Context, events []LogEvent) error
	Close() error
}

// PostgresStore is the production Store, backed by an encrypted
// Postgres database reached via sqlx/lib-pq, with schema managed by
// golang-migrate. Grounded on rjsadow-sortie/internal/db/migrate.go's
// embed.FS + iofs source + WithInstance driver wiring, narrowed to
// postgres-only (the gateway's log store doesn't need sqlite).
type PostgresStore struct {
	db  *sqlx.DB
	key []byte // non-nil enables at-rest encryption of message/extras
}

// NewPostgresStore opens dsn, runs pending migrations, and returns a
// ready Store. A non-empty key encrypts each event's message and
// extras with XChaCha20-Poly1305 before they reach the database,
// wiring database.crypto_key_hex's "encrypted log store" requirement;
// an empty key leaves rows in plaintext for local development.
func NewPostgresStore(dsn string, key []byte) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("logconsumer: connect: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, key: key}, nil
}

func runMigrations(db *sqlx.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("logconsumer: migration fs: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("logconsumer: migration source: %w", err)
	}
	var driver database.Driver
	driver, err = migratepostgres.WithInstance(db.DB, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("logconsumer: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("logconsumer: migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("logconsumer: migrate up: %w", err)
	}
	return nil
}

// InsertBatch writes events in a single transaction, matching spec
// §5's "single-writer to the backing store, batch size bounded"
// discipline.
func (s *PostgresStore) InsertBatch(ctx context.Context, events []LogEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("logconsumer: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt := `INSERT INTO log_events (occurred_at, level, subsystem, message, extras) VALUES ($1, $2, $3, $4, $5)`
	for _, ev := range events {
		message, extras, err := s.sealFields(ev)
		if err != nil {
			return fmt.Errorf("logconsumer: seal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt, ev.Timestamp, ev.Level, ev.Subsystem, message, extras); err != nil {
			return fmt.Errorf("logconsumer: insert: %w", err)
		}
	}
	return tx.Commit()
}

// sealedEnvelope is the JSON shape an encrypted field takes at rest, so
// a plaintext deployment and an encrypted one store structurally
// distinguishable rows.
type sealedEnvelope struct {
	Sealed     bool   `json:"sealed"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Plaintext  string `json:"plaintext,omitempty"`
}

// sealFields returns the message column value and the extras JSONB
// value for one event, encrypting both under s.key when set.
func (s *PostgresStore) sealFields(ev LogEvent) (message string, extras []byte, err error) {
	extrasJSON, err := json.Marshal(ev.Extras)
	if err != nil {
		return "", nil, fmt.Errorf("marshal extras: %w", err)
	}

	if len(s.key) == 0 {
		return ev.Message, extrasJSON, nil
	}

	sealedMessage, err := ecrypto.Encrypt(s.key, []byte(ev.Message), logStoreClientID, logStoreDirection)
	if err != nil {
		return "", nil, fmt.Errorf("seal message: %w", err)
	}
	sealedExtras, err := ecrypto.Encrypt(s.key, extrasJSON, logStoreClientID, logStoreDirection)
	if err != nil {
		return "", nil, fmt.Errorf("seal extras: %w", err)
	}

	messageEnvelope, err := json.Marshal(sealedEnvelope{Sealed: true, Nonce: sealedMessage.Nonce, Ciphertext: sealedMessage.Ciphertext})
	if err != nil {
		return "", nil, err
	}
	extrasEnvelope, err := json.Marshal(sealedEnvelope{Sealed: true, Nonce: sealedExtras.Nonce, Ciphertext: sealedExtras.Ciphertext})
	if err != nil {
		return "", nil, err
	}
	return string(messageEnvelope), extrasEnvelope, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
