package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/audit-anchor/pkg/compress"
	"github.com/exploopio/audit-anchor/pkg/digest"
	errs "github.com/exploopio/audit-anchor/pkg/errors"
)

// terminalStatuses are the outcomes Cleanup may drop; pending entries are
// kept until promoted.
var terminalStatuses = []any{"confirmed", "reverted", "publish_failed", "submit_failed", "disabled"}

// Store is the SQLite-backed journal.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	cfg      *Config
	analyzer *compress.Analyzer
}

// Open opens (creating if needed) the journal at cfg.Path.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath()
	}
	alg, err := compress.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errs.E(errs.KindInvalidInput, "journal.Open", err)
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		analyzer: compress.NewAnalyzer(nil, compress.NewCompressor(alg, compress.LevelDefault)),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS anchors (
		id TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		cid TEXT NOT NULL,
		tx_hash TEXT,
		status TEXT NOT NULL,
		failure TEXT,
		payload BLOB,
		stored_size INTEGER NOT NULL DEFAULT 0,
		local_cid TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_anchors_tx_hash ON anchors(tx_hash);
	CREATE INDEX IF NOT EXISTS idx_anchors_digest ON anchors(digest);
	CREATE INDEX IF NOT EXISTS idx_anchors_created_at ON anchors(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.cfg.Path
}

// Record inserts e, or updates the outcome fields of an existing entry with
// the same ID. The payload is written once and never replaced.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e == nil || e.ID == "" {
		return errs.E(errs.KindInvalidInput, "journal.Record", "entry id is required")
	}

	var blob []byte
	if e.Payload != nil {
		sealed, stats, err := s.analyzer.Pack(e.Payload)
		if err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
		blob = sealed
		e.StoredSize = stats.StoredSize
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anchors (
			id, digest, cid, tx_hash, status, failure, payload, stored_size,
			local_cid, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cid = excluded.cid,
			tx_hash = excluded.tx_hash,
			status = excluded.status,
			failure = excluded.failure,
			updated_at = excluded.updated_at
	`,
		e.ID, e.Digest.Hex(), e.CID, e.TxHash, e.Status, e.Failure, blob, e.StoredSize,
		e.LocalCID, e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	return err
}

// UpdateStatus sets the status of the entry with the given transaction hash
// and clears its failure text. It reports whether a row changed.
func (s *Store) UpdateStatus(ctx context.Context, txHash, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE anchors SET status = ?, failure = '', updated_at = ?
		WHERE tx_hash = ? AND status != ?
	`, status, time.Now().UTC().UnixMilli(), txHash, status)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const selectColumns = `
	SELECT id, digest, cid, tx_hash, status, failure, payload, stored_size,
		local_cid, created_at, updated_at
	FROM anchors`

// Get returns the entry with the given id, payload decompressed.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	return s.one(ctx, "journal.Get", selectColumns+` WHERE id = ?`, id)
}

// FindByTxHash returns the entry anchored by txHash.
func (s *Store) FindByTxHash(ctx context.Context, txHash string) (*Entry, error) {
	return s.one(ctx, "journal.FindByTxHash", selectColumns+` WHERE tx_hash = ? ORDER BY created_at DESC LIMIT 1`, txHash)
}

// FindByDigest returns the most recent entry for d.
func (s *Store) FindByDigest(ctx context.Context, d digest.Digest) (*Entry, error) {
	return s.one(ctx, "journal.FindByDigest", selectColumns+` WHERE digest = ? ORDER BY created_at DESC LIMIT 1`, d.Hex())
}

func (s *Store) one(ctx context.Context, op, query string, arg any) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.KindNotFound, op, fmt.Sprintf("no journal entry for %v", arg))
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns the newest entries first. Payloads are left empty.
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, digest, cid, tx_hash, status, failure, NULL, stored_size,
			local_cid, created_at, updated_at
		FROM anchors ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns entry counts by status.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByStatus: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM anchors GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var total sql.NullInt64
	_ = s.db.QueryRowContext(ctx, `SELECT SUM(stored_size) FROM anchors`).Scan(&total)
	if total.Valid {
		stats.PayloadBytes = total.Int64
	}
	return stats, nil
}

// Cleanup removes terminal entries older than maxAge (RetentionHours when
// maxAge is zero). Pending entries are never removed.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		if s.cfg.RetentionHours <= 0 {
			return 0, nil
		}
		maxAge = time.Duration(s.cfg.RetentionHours) * time.Hour
	}
	cutoff := time.Now().UTC().Add(-maxAge).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	args := append([]any{cutoff}, terminalStatuses...)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM anchors
		WHERE updated_at < ? AND status IN (?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                    Entry
		digestHex            string
		txHash, failure, lc  sql.NullString
		payload              []byte
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &digestHex, &e.CID, &txHash, &e.Status, &failure, &payload,
		&e.StoredSize, &lc, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	d, err := digest.ParseHex(digestHex)
	if err != nil {
		return nil, errs.E(errs.KindDecode, "journal.scan", "stored digest", err)
	}
	e.Digest = d
	e.TxHash = txHash.String
	e.Failure = failure.String
	e.LocalCID = lc.String
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if len(payload) > 0 {
		e.Payload, err = compress.Open(payload)
		if err != nil {
			return nil, errs.E(errs.KindDecode, "journal.scan", "stored payload", err)
		}
	}
	return &e, nil
}
