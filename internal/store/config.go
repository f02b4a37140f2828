package store

import (
	"fmt"
	"strings"
	"time"
)

// JournalMode enumerates the SQLite journal_mode pragma values recognized
// by the config surface.
type JournalMode string

const (
	JournalDelete   JournalMode = "delete"
	JournalTruncate JournalMode = "truncate"
	JournalPersist  JournalMode = "persist"
	JournalMemory   JournalMode = "memory"
	JournalWAL      JournalMode = "wal"
	JournalOff      JournalMode = "off"
)

// Synchronous enumerates the SQLite synchronous pragma values.
type Synchronous string

const (
	SyncOff    Synchronous = "off"
	SyncNormal Synchronous = "normal"
	SyncFull   Synchronous = "full"
	SyncExtra  Synchronous = "extra"
)

// PragmaConfig is the typed connection/pragma surface set once at open and
// never mutated afterward.
type PragmaConfig struct {
	JournalMode  JournalMode
	Synchronous  Synchronous
	ForeignKeys  bool
	CacheSize    int // pages, or negative kibibytes
	PageSize     int // 512..65536, power of two
	BusyTimeout  time.Duration
}

// DefaultPragmaConfig returns conservative defaults: WAL journaling,
// normal synchronous, foreign keys on, and a 5s busy timeout.
func DefaultPragmaConfig() PragmaConfig {
	return PragmaConfig{
		JournalMode: JournalWAL,
		Synchronous: SyncNormal,
		ForeignKeys: true,
		CacheSize:   -2000,
		PageSize:    4096,
		BusyTimeout: 5 * time.Second,
	}
}

// Validate rejects any pragma combination the engine contract forbids.
func (c PragmaConfig) Validate() error {
	switch c.JournalMode {
	case JournalDelete, JournalTruncate, JournalPersist, JournalMemory, JournalWAL, JournalOff, "":
	default:
		return fmt.Errorf("%w: unrecognized journal_mode %q", ErrConfiguration, c.JournalMode)
	}
	switch c.Synchronous {
	case SyncOff, SyncNormal, SyncFull, SyncExtra, "":
	default:
		return fmt.Errorf("%w: unrecognized synchronous %q", ErrConfiguration, c.Synchronous)
	}
	if c.PageSize != 0 {
		if c.PageSize < 512 || c.PageSize > 65536 || c.PageSize&(c.PageSize-1) != 0 {
			return fmt.Errorf("%w: page_size must be a power of two in [512, 65536], got %d", ErrConfiguration, c.PageSize)
		}
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("%w: busy_timeout must be non-negative", ErrConfiguration)
	}
	return nil
}

// ConnString builds a mattn/go-sqlite3 DSN carrying the pragmas as bare
// "_key=value" query parameters the driver recognizes (e.g.
// "_busy_timeout", "_foreign_keys", "_journal_mode").
func ConnString(path string, cfg PragmaConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty database path", ErrConfiguration)
	}

	params := []string{}
	if cfg.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout.Milliseconds()))
	}
	params = append(params, fmt.Sprintf("_foreign_keys=%s", boolStr(cfg.ForeignKeys)))
	if cfg.JournalMode != "" {
		params = append(params, fmt.Sprintf("_journal_mode=%s", strings.ToUpper(string(cfg.JournalMode))))
	}
	if cfg.Synchronous != "" {
		params = append(params, fmt.Sprintf("_synchronous=%s", strings.ToUpper(string(cfg.Synchronous))))
	}
	if cfg.CacheSize != 0 {
		params = append(params, fmt.Sprintf("_cache_size=%d", cfg.CacheSize))
	}
	if cfg.PageSize != 0 {
		params = append(params, fmt.Sprintf("_page_size=%d", cfg.PageSize))
	}
	params = append(params, "_txlock=immediate")

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&"), nil
}

func boolStr(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
