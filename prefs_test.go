package frpbox

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestMapPreferences(t *testing.T) {
	p := MapPreferences{
		PrefAutoStart:           true,
		PrefAutoStartClientList: []string{"a.toml"},
		PrefAutoStartServerList: []any{"b.toml", 3},
		"name":                  "x",
	}
	if !p.Bool(PrefAutoStart, false) {
		t.Error("Bool: got false")
	}
	if !p.Bool("missing", true) {
		t.Error("Bool default not returned")
	}
	if p.Bool("name", false) {
		t.Error("Bool of a string should return the default")
	}
	if got := p.String("name", ""); got != "x" {
		t.Errorf("String: got %q", got)
	}
	if got := p.Strings(PrefAutoStartClientList); !slices.Equal(got, []string{"a.toml"}) {
		t.Errorf("Strings([]string): got %v", got)
	}
	if got := p.Strings(PrefAutoStartServerList); !slices.Equal(got, []string{"b.toml"}) {
		t.Errorf("Strings([]any): got %v", got)
	}
	if got := p.Strings("missing"); got != nil {
		t.Errorf("Strings(missing): got %v", got)
	}
}

func TestFilePreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	p := NewFilePreferences(path, nil)

	// Missing file yields defaults.
	if p.Bool(PrefAutoStart, false) {
		t.Error("missing file: got true")
	}

	if err := p.Set(PrefAutoStart, true); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := p.Set(PrefAutoStartClientList, []string{"a.toml", "b.toml"}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if !p.Bool(PrefAutoStart, false) {
		t.Error("Bool after Set: got false")
	}
	if got := p.Strings(PrefAutoStartClientList); !slices.Equal(got, []string{"a.toml", "b.toml"}) {
		t.Errorf("Strings after Set: got %v", got)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode: got %v, want 0600", fi.Mode().Perm())
	}

	// External edits are picked up.
	if err := os.WriteFile(path, []byte("hide_service_toast: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	if !p.Bool(PrefHideServiceToast, false) {
		t.Error("edit not picked up")
	}
	if p.Bool(PrefAutoStart, false) {
		t.Error("removed key still visible")
	}

	// Malformed files yield defaults.
	if err := os.WriteFile(path, []byte("[unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, future.Add(time.Hour), future.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if p.Bool(PrefHideServiceToast, false) {
		t.Error("malformed file: got true")
	}
}
