package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/seantiz/conduit/internal/host"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestExecUnknownHost(t *testing.T) {
	p := NewPool(host.NewCatalog(), "", discardLogger())
	code, err := p.Exec(context.Background(), "nowhere", "true", nil)
	if !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("Exec error = %v, want ErrUnknownHost", err)
	}
	if code != -1 {
		t.Errorf("code = %d, want -1", code)
	}
}

func TestExitStatus(t *testing.T) {
	if code, err := exitStatus(nil); code != 0 || err != nil {
		t.Errorf("exitStatus(nil) = %d, %v", code, err)
	}
	code, err := exitStatus(errors.New("broken pipe"))
	if code != -1 || err == nil {
		t.Errorf("exitStatus(transport) = %d, %v", code, err)
	}
}

func TestAuthMethodsKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := authMethods(&host.Descriptor{ID: "h", KeyFile: path})
	if err == nil || !strings.Contains(err.Error(), "parse key file") {
		t.Errorf("authMethods error = %v", err)
	}

	_, err = authMethods(&host.Descriptor{ID: "h", KeyFile: filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Error("expected error for missing key file")
	}
}

func TestAuthMethodsNoAgent(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	if _, err := authMethods(&host.Descriptor{ID: "h"}); err == nil {
		t.Error("expected error without key file or agent")
	}
}

func TestHostKeyCallback(t *testing.T) {
	p := NewPool(host.NewCatalog(), "", discardLogger())
	if _, err := p.hostKeyCallback(&host.Descriptor{ID: "h", InsecureIgnoreHostKey: true}); err != nil {
		t.Errorf("insecure callback: %v", err)
	}
	if _, err := p.hostKeyCallback(&host.Descriptor{ID: "h"}); err == nil {
		t.Error("expected error without known_hosts")
	}

	known := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(known, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	p = NewPool(host.NewCatalog(), known, discardLogger())
	cb, err := p.hostKeyCallback(&host.Descriptor{ID: "h"})
	if err != nil || cb == nil {
		t.Errorf("known_hosts callback = %v, %v", cb, err)
	}
}

func TestStreamLines(t *testing.T) {
	var got []string
	streamLines(strings.NewReader("one\ntwo\nthree"), func(s string) { got = append(got, s) })
	if !slices.Equal(got, []string{"one", "two", "three"}) {
		t.Errorf("lines = %v", got)
	}
}
