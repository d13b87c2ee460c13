// Package logging builds the slog.Logger the secure channel core and
// its components share. Connection and listener loggers derive from
// the root logger with With(...); the redaction guard keeps raw byte
// buffers (key material, nonces, chunk payloads) out of every sink,
// which is this layer's logging rule regardless of handler or level.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sigurd-ua/opcua-secchan/internal/config"
)

// levelNames resolves the configured level string, including the
// "warning" alias. Unknown names fall back to info.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds the root logger from the configuration's logging
// section. With a file configured, records go to stdout and the file;
// the returned closer releases the file on shutdown and is a no-op
// otherwise.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	w, closer, err := openSink(cfg.File)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactBytes,
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

func parseLevel(name string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(name)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

func openSink(path string) (io.Writer, io.Closer, error) {
	if path == "" {
		return os.Stdout, nopCloser{}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return io.MultiWriter(os.Stdout, f), f, nil
}

// redactBytes replaces any []byte attribute with its length. Handlers
// never see the bytes themselves, so a caller that accidentally logs
// a nonce, a derived key or a chunk body leaks only a size.
func redactBytes(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if b, ok := a.Value.Any().([]byte); ok {
			return slog.Attr{Key: a.Key + "_len", Value: slog.IntValue(len(b))}
		}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
