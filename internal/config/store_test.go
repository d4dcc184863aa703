package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := Open(t.TempDir())
	s.Set("lora", "lora_seq_num", float64(3), true, true)
	if got := s.Get("lora_seq_num", nil); got != float64(3) {
		t.Fatalf("expected 3, got %v", got)
	}
}

func TestGetDefaultForUnsetKey(t *testing.T) {
	s := Open(t.TempDir())
	if got := s.Get("missing", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestSetWithoutOverwriteIsNoop(t *testing.T) {
	s := Open(t.TempDir())
	s.Set("g", "k", "first", true, true)
	s.Set("g", "k", "second", true, false)
	if got := s.Get("k", nil); got != "first" {
		t.Fatalf("expected 'first' preserved, got %v", got)
	}
}

func TestSaveOnlyPersistsPersistentKeys(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	s.Set("device", "device_is_gateway", true, true, true)
	s.Set("device", "transient_cache", "nope", false, true)

	if err := s.Save("device"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := Open(dir)
	if err := s2.Load("device"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s2.Get("device_is_gateway", nil); got != true {
		t.Fatalf("expected persisted true, got %v", got)
	}
	if got := s2.Get("transient_cache", "absent"); got != "absent" {
		t.Fatalf("expected non-persistent key absent, got %v", got)
	}
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	s := Open(t.TempDir())
	if err := s.Load("never_saved"); err != nil {
		t.Fatalf("expected nil error for missing group file, got %v", err)
	}
}

func TestSaveCreatesGroupFile(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	s.Set("identity", "device_source_id", float64(42), true, true)
	if err := s.Save("identity"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "identity.json")); err != nil {
		t.Fatalf("expected group file to exist: %v", err)
	}
}
