package config

import "github.com/arcstore/tsqlite/internal/store"

// PragmaConfig builds a store.PragmaConfig from the resolved settings,
// the typed pragma surface sitting on top of this package's viper-backed
// key/value store.
func PragmaConfig() store.PragmaConfig {
	ensureInitialized()
	return store.PragmaConfig{
		JournalMode: store.JournalMode(GetString("journal-mode")),
		Synchronous: store.Synchronous(GetString("synchronous")),
		ForeignKeys: GetBool("foreign-keys"),
		CacheSize:   GetInt("cache-size"),
		PageSize:    GetInt("page-size"),
		BusyTimeout: GetDuration("busy-timeout"),
	}
}

// DBPath returns the configured database file path.
func DBPath() string {
	ensureInitialized()
	return GetString("db-path")
}
