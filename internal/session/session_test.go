package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".pulse", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestDBPath(t *testing.T) {
	got := DBPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "pulse.db")) {
		t.Errorf("DBPath(test) = %q, want suffix sessions/test/pulse.db", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-session", false},
		{"valid with underscore", "my_session", false},
		{"valid single char", "a", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"special chars", "my@session", true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	if got := Resolve("override"); got != "override" {
		t.Errorf("Resolve(override) = %q", got)
	}
}

func TestTokenFileRoundTrip(t *testing.T) {
	tf := &TokenFile{path: filepath.Join(t.TempDir(), "token")}

	if _, err := tf.Token(); err != ErrNoToken {
		t.Errorf("Token() on empty = %v, want ErrNoToken", err)
	}

	if err := tf.Save("abc123"); err != nil {
		t.Fatal(err)
	}
	got, err := tf.Token()
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc123" {
		t.Errorf("Token() = %q, want abc123", got)
	}

	info, err := os.Stat(tf.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token file permission = %o, want 0600", perm)
	}

	if err := tf.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := tf.Token(); err != ErrNoToken {
		t.Errorf("Token() after Clear = %v, want ErrNoToken", err)
	}
	if err := tf.Clear(); err != nil {
		t.Errorf("second Clear = %v, want nil", err)
	}
}

func TestTokenFileTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  tok-1\n\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tf := &TokenFile{path: path}
	got, err := tf.Token()
	if err != nil {
		t.Fatal(err)
	}
	if got != "tok-1" {
		t.Errorf("Token() = %q, want trimmed tok-1", got)
	}
}
