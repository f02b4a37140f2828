// Package config is the ambient configuration surface: a package-level
// viper.Viper instance with TSQLITE_-prefixed environment variable
// binding and nil-safe Get* wrappers.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

const envPrefix = "TSQLITE"

// Initialize (re)creates the package-level viper instance with defaults
// registered and TSQLITE_-prefixed environment variables bound. Safe to
// call more than once (e.g. in tests that need a fresh read of the
// environment).
func Initialize() error {
	v = viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db-path", "tsqlite.db")
	v.SetDefault("journal-mode", "wal")
	v.SetDefault("synchronous", "normal")
	v.SetDefault("foreign-keys", true)
	v.SetDefault("cache-size", -2000)
	v.SetDefault("page-size", 4096)
	v.SetDefault("busy-timeout", 5*time.Second)
	v.SetDefault("bulk-batch-size", 1000)
	v.SetDefault("cache-default-ttl", 0)

	return nil
}

func ensureInitialized() {
	if v == nil {
		_ = Initialize()
	}
}

// GetString reads a string setting, defaulting to "" before Initialize.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool reads a bool setting, defaulting to false before Initialize.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt reads an int setting, defaulting to 0 before Initialize.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration reads a duration setting, defaulting to 0 before Initialize.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// AllSettings returns every resolved setting, or an empty map before
// Initialize.
func AllSettings() map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v.AllSettings()
}

func init() {
	ensureInitialized()
}
