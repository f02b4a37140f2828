package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func envSnapshot(t *testing.T) func() {
	t.Helper()
	saved := map[string]string{}
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "TSQLITE_") {
			parts := strings.SplitN(env, "=", 2)
			saved[parts[0]] = os.Getenv(parts[0])
			os.Unsetenv(parts[0])
		}
	}
	return func() {
		for _, env := range os.Environ() {
			if strings.HasPrefix(env, "TSQLITE_") {
				os.Unsetenv(strings.SplitN(env, "=", 2)[0])
			}
		}
		for k, val := range saved {
			os.Setenv(k, val)
		}
	}
}

func TestInitializeSetsViperInstance(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
}

func TestDefaults(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if got := GetString("db-path"); got != "tsqlite.db" {
		t.Errorf("db-path default = %q, want tsqlite.db", got)
	}
	if got := GetBool("foreign-keys"); !got {
		t.Error("foreign-keys default should be true")
	}
	if got := GetDuration("busy-timeout"); got != 5*time.Second {
		t.Errorf("busy-timeout default = %v, want 5s", got)
	}
}

func TestEnvironmentBindingOverridesDefaults(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()

	os.Setenv("TSQLITE_DB_PATH", "/tmp/custom.db")
	os.Setenv("TSQLITE_BUSY_TIMEOUT", "10s")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	if got := GetString("db-path"); got != "/tmp/custom.db" {
		t.Errorf("db-path = %q, want /tmp/custom.db", got)
	}
	if got := GetDuration("busy-timeout"); got != 10*time.Second {
		t.Errorf("busy-timeout = %v, want 10s", got)
	}
}

func TestGettersAreNilSafeBeforeInitialize(t *testing.T) {
	saved := v
	v = nil
	defer func() { v = saved }()

	if got := GetString("db-path"); got != "" {
		t.Errorf("GetString with nil viper = %q, want \"\"", got)
	}
	if got := GetBool("foreign-keys"); got {
		t.Error("GetBool with nil viper should be false")
	}
	if got := GetDuration("busy-timeout"); got != 0 {
		t.Errorf("GetDuration with nil viper = %v, want 0", got)
	}
	if got := AllSettings(); len(got) != 0 {
		t.Errorf("AllSettings with nil viper = %v, want empty map", got)
	}
}

func TestPragmaConfigReflectsDefaults(t *testing.T) {
	restore := envSnapshot(t)
	defer restore()
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	cfg := PragmaConfig()
	if cfg.JournalMode != "wal" {
		t.Errorf("JournalMode = %q, want wal", cfg.JournalMode)
	}
	if !cfg.ForeignKeys {
		t.Error("ForeignKeys should default to true")
	}
}
