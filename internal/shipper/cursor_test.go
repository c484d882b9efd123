package shipper

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCursorFileRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cursor")
	cf := NewCursorFile(path)

	got, err := cf.Load()
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if got != "" {
		t.Errorf("load missing = %q, want empty", got)
	}

	if err := cf.Save("s=abc;i=42"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = cf.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "s=abc;i=42" {
		t.Errorf("load = %q", got)
	}

	// Saving empty must not wipe the stored cursor.
	if err := cf.Save(""); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	got, _ = cf.Load()
	if got != "s=abc;i=42" {
		t.Errorf("after empty save = %q", got)
	}
}

func TestCursorFileTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor")
	if err := os.WriteFile(path, []byte("  s=xyz\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := NewCursorFile(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != "s=xyz" {
		t.Errorf("load = %q", got)
	}
}

func TestCursorFileNoPath(t *testing.T) {
	cf := NewCursorFile("")
	if err := cf.Save("s=abc"); err != nil {
		t.Errorf("save without path: %v", err)
	}
	got, err := cf.Load()
	if err != nil || got != "" {
		t.Errorf("load without path = %q, %v", got, err)
	}
}
