package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/sigurd-ua/opcua-secchan/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := parseLevel(c.in); got != c.want {
			t.Errorf("parseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestNew_NoFile(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("New returned nil logger")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("closer.Close: %v", err)
	}
}

func TestNew_WithFile(t *testing.T) {
	path := t.TempDir() + "/core.log"
	logger, closer, err := New(config.LoggingConfig{Level: "debug", Format: "text", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("test entry", "conn_id", 3)
	if err := closer.Close(); err != nil {
		t.Fatalf("closer.Close: %v", err)
	}
}

func TestNew_UnwritableFileFails(t *testing.T) {
	if _, _, err := New(config.LoggingConfig{File: t.TempDir() + "/no/such/dir/core.log"}); err == nil {
		t.Fatal("New: expected error for unwritable log file path")
	}
}

func TestRedactBytes_KeepsKeyMaterialOutOfSinks(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactBytes})
	logger := slog.New(handler)

	secret := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	logger.Info("token issued", "signing_key", secret, "token_id", 7)

	out := buf.String()
	if strings.Contains(out, "de") && strings.Contains(out, "ad") && strings.Contains(out, "beef") {
		t.Fatalf("log output leaked byte content: %q", out)
	}
	if !strings.Contains(out, "signing_key_len=4") {
		t.Fatalf("log output missing redacted length attribute: %q", out)
	}
	if !strings.Contains(out, "token_id=7") {
		t.Fatalf("non-byte attributes must pass through unchanged: %q", out)
	}
}
