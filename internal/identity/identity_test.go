package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	home := t.TempDir()
	a, err := LoadOrCreate(home, "Ann")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	b, err := LoadOrCreate(home, "")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("id changed across loads")
	}
	if len(a.ID) != 64 {
		t.Fatalf("unexpected id length %d", len(a.ID))
	}
	if a.Name != "Ann" || b.Name != "user-"+a.ID[:8] {
		t.Fatalf("names %q %q", a.Name, b.Name)
	}
	if a.ID != DeriveUserID(a.PubKey) {
		t.Fatalf("id not derived from key")
	}
}

func TestLoadRejectsMismatchedKeys(t *testing.T) {
	home := t.TempDir()
	if _, err := LoadOrCreate(home, "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	other := t.TempDir()
	if _, err := LoadOrCreate(other, "y"); err != nil {
		t.Fatalf("create other: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(other, pubFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, pubFile), data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrCreate(home, "x"); err == nil {
		t.Fatalf("expected mismatch error")
	}
}
