package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Sync.SendTimeoutMS != 5000 {
		t.Fatalf("expected default send timeout, got %d", cfg.Sync.SendTimeoutMS)
	}
	if cfg.SnapshotStore.RetentionMode != "session" {
		t.Fatalf("expected default retention mode, got %q", cfg.SnapshotStore.RetentionMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("PARLEY_BUS_USERNAME", "alice")
	t.Setenv("PARLEY_BUS_TLS_INSECURE", "true")
	t.Setenv("PARLEY_SYNC_SEND_TIMEOUT_MS", "1500")
	t.Setenv("PARLEY_SYNC_LOCK_STRIPES", "8")
	t.Setenv("PARLEY_SNAPSHOT_STORE_PATH", "./tmp.db")
	t.Setenv("PARLEY_SNAPSHOT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("PARLEY_SNAPSHOT_STORE_MAX_CONVERSATIONS", "123")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatal("expected username override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Sync.SendTimeoutMS != 1500 {
		t.Fatalf("expected send timeout 1500, got %d", cfg.Sync.SendTimeoutMS)
	}
	if cfg.Sync.LockStripes != 8 {
		t.Fatalf("expected 8 lock stripes, got %d", cfg.Sync.LockStripes)
	}
	if cfg.SnapshotStore.Path != "./tmp.db" {
		t.Fatal("expected snapshot store path override")
	}
	if cfg.SnapshotStore.RetentionMode != "persistent" {
		t.Fatalf("expected retention mode override, got %q", cfg.SnapshotStore.RetentionMode)
	}
	if cfg.SnapshotStore.MaxConversations != 123 {
		t.Fatalf("expected max conversations 123, got %d", cfg.SnapshotStore.MaxConversations)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parley.yaml")
	doc := `
runtime_name: parley-test
http:
  bind: 127.0.0.1
  port: 9090
sync:
  lock_stripes: 16
snapshot_store:
  retention_mode: ephemeral
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "parley-test" {
		t.Fatalf("runtime name = %q", cfg.RuntimeName)
	}
	if cfg.HTTP.Bind != "127.0.0.1" || cfg.HTTP.Port != 9090 {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if cfg.Sync.LockStripes != 16 {
		t.Fatalf("lock stripes = %d", cfg.Sync.LockStripes)
	}
	if cfg.SnapshotStore.RetentionMode != "ephemeral" {
		t.Fatalf("retention mode = %q", cfg.SnapshotStore.RetentionMode)
	}
}

func TestValidateRejectsBadRetentionMode(t *testing.T) {
	t.Setenv("PARLEY_SNAPSHOT_STORE_RETENTION_MODE", "forever")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown retention mode")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
