package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if s.ServerURL == "" {
		t.Error("ServerURL default is empty")
	}
	if s.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want 5m", s.SyncInterval)
	}
	if s.MaxAttempts != 8 {
		t.Errorf("MaxAttempts = %d, want 8", s.MaxAttempts)
	}
	if s.DatabasePath() != filepath.Join(dir, "chartsync.db") {
		t.Errorf("DatabasePath() = %q", s.DatabasePath())
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("server_url: https://sync.example.test\nsync_interval: 90s\nmax_attempts: 4\n")
	if err := os.WriteFile(filepath.Join(dir, "chartsync.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if s.ServerURL != "https://sync.example.test" {
		t.Errorf("ServerURL = %q", s.ServerURL)
	}
	if s.SyncInterval != 90*time.Second {
		t.Errorf("SyncInterval = %v, want 90s", s.SyncInterval)
	}
	if s.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", s.MaxAttempts)
	}
	// Unset keys keep their defaults
	if s.ProbeInterval != 30*time.Second {
		t.Errorf("ProbeInterval = %v, want default 30s", s.ProbeInterval)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CHARTSYNC_SERVER_URL", "https://env.example.test")

	s, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if s.ServerURL != "https://env.example.test" {
		t.Errorf("ServerURL = %q, want env override", s.ServerURL)
	}
}

func TestLoad_InvalidSettings(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("max_attempts: 0\n")
	if err := os.WriteFile(filepath.Join(dir, "chartsync.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("Load() succeeded with max_attempts 0, want error")
	}
}

func TestDeviceID_StableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := DeviceID(dir)
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	if first == "" {
		t.Fatal("DeviceID() returned empty id")
	}

	second, err := DeviceID(dir)
	if err != nil {
		t.Fatalf("DeviceID() second call failed: %v", err)
	}
	if second != first {
		t.Errorf("DeviceID() = %q on second call, want stable %q", second, first)
	}
}

func TestDeviceID_RegeneratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "device-id"), []byte("not-a-uuid"), 0o600); err != nil {
		t.Fatalf("failed to seed corrupt file: %v", err)
	}

	id, err := DeviceID(dir)
	if err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	if id == "not-a-uuid" || id == "" {
		t.Errorf("DeviceID() = %q, want regenerated uuid", id)
	}
}
