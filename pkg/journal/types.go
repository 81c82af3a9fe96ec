// Package journal keeps a local SQLite record of every anchoring outcome.
//
// Each entry holds the canonical bytes that were hashed (compressed), the
// digest, the CID and the transaction hash or failure marker. A pending
// entry can later be promoted once the transaction is observed on chain.
//
//	store, err := journal.Open(journal.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	err = store.Record(ctx, &journal.Entry{ID: id, Digest: d, CID: cid, Status: "pending"})
package journal

import (
	"os"
	"path/filepath"
	"time"

	"github.com/exploopio/audit-anchor/pkg/digest"
)

// Config configures the journal.
type Config struct {
	// Path is the SQLite database file (default: ~/.audit-anchor/journal.db).
	Path string `yaml:"path"`

	// Compression is the payload algorithm: zstd, gzip or none (default: zstd).
	Compression string `yaml:"compression"`

	// RetentionHours drops terminal entries older than this in Cleanup.
	// Zero keeps everything.
	RetentionHours int `yaml:"retention_hours"`
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:        defaultPath(),
		Compression: "zstd",
	}
}

func defaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "audit-anchor", "journal.db")
	}
	return filepath.Join(home, ".audit-anchor", "journal.db")
}

// Entry is one anchoring outcome.
type Entry struct {
	ID      string        `json:"id"`
	Digest  digest.Digest `json:"digest"`
	CID     string        `json:"cid"`
	TxHash  string        `json:"tx_hash,omitempty"`
	Status  string        `json:"status"`
	Failure string        `json:"failure,omitempty"`

	// Payload is the canonical report bytes. Stored compressed.
	Payload []byte `json:"-"`

	// LocalCID is the CIDv1 of Payload computed locally, for diagnostics.
	LocalCID string `json:"local_cid,omitempty"`

	StoredSize int       `json:"stored_size"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stats counts entries by status.
type Stats struct {
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	PayloadBytes int64          `json:"payload_bytes"`
}
