package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestSessionFieldsAreWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jail.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: path}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { globalLogger = nil })

	ctx := WithSession(context.Background(), "sess-1", "c1")
	Info(ctx, "session started")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"session_id":"sess-1"`, `"hostname":"c1"`, `"msg":"session started"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestNilGlobalLoggerIsSilent(t *testing.T) {
	globalLogger = nil
	Info(context.Background(), "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("sync on nil logger: %v", err)
	}
}
