package store

import (
	"context"
	"os"
	"testing"
)

func TestStripPlaceholderKey(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"placeholder", "none:ckpt-1", ""},
		{"real key", "sha256:abcdef", "sha256:abcdef"},
		{"empty", "", ""},
		{"short prefix-like string", "none", "none"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripPlaceholderKey(tc.in); got != tc.want {
				t.Fatalf("stripPlaceholderKey(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

// openTestMySQLStore connects to a real MySQL/MariaDB instance described by
// MYSQL_TEST_DSN. Skipped by default since it requires external
// infrastructure; set the env var to exercise it locally or in CI against a
// throwaway database.
func openTestMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set, skipping MySQL integration test")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore returned error: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.DeleteByThread(context.Background(), "mysql-store-test-thread")
		_ = s.Close()
	})
	return s
}

func TestMySQLStoreSaveAndLoad(t *testing.T) {
	s := openTestMySQLStore(t)
	ctx := context.Background()

	cd := sampleCheckpoint("mysql-ckpt-1", "mysql-store-test-thread", 0, "")
	id, err := s.Save(ctx, cd)
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if id != "mysql-ckpt-1" {
		t.Fatalf("Save id = %q, want mysql-ckpt-1", id)
	}

	loaded, err := s.Load(ctx, "mysql-ckpt-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.ThreadID != "mysql-store-test-thread" {
		t.Fatalf("loaded.ThreadID = %q, want mysql-store-test-thread", loaded.ThreadID)
	}
	if loaded.IdempotencyKey != "" {
		t.Fatalf("loaded.IdempotencyKey = %q, want empty (placeholder should be stripped)", loaded.IdempotencyKey)
	}
}

func TestMySQLStoreAllowsMultipleEmptyIdempotencyKeys(t *testing.T) {
	s := openTestMySQLStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, sampleCheckpoint("mysql-ckpt-1", "mysql-store-test-thread", 0, "")); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if _, err := s.Save(ctx, sampleCheckpoint("mysql-ckpt-2", "mysql-store-test-thread", 1, "mysql-ckpt-1")); err != nil {
		t.Fatalf("second Save with empty idempotency key returned error: %v (placeholder keys should avoid a unique-key collision)", err)
	}
}

func TestMySQLStorePing(t *testing.T) {
	s := openTestMySQLStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}
