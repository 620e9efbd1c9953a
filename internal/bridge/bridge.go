// Package bridge is the string-in, string-out surface the host's background
// task calls. cmd/airnse exports it over cgo.
package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/phnx-im/air-sub001/internal/ingest"
	"github.com/phnx-im/air-sub001/internal/logging"
)

var (
	mu      sync.Mutex
	logger  = zap.NewNop()
	logPath string
	options = ingest.DefaultOptions()
)

// InitLogger sends background logs to path. Calling it again with the same
// path keeps the current logger.
func InitLogger(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if path == "" || path == logPath {
		return nil
	}
	l, err := logging.NewBackground(path)
	if err != nil {
		return err
	}
	_ = logger.Sync()
	logger, logPath = l, path
	return nil
}

// Logger returns the current background logger.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Log writes msg to the background log at level ("debug", "info", "warn",
// "error"). Unknown levels log at info.
func Log(level, msg string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	l := Logger()
	if ce := l.Check(lvl, msg); ce != nil {
		ce.Write(zap.String("source", "host"))
	}
}

// Configure replaces the pipeline options used by Process.
func Configure(opts ingest.Options) {
	mu.Lock()
	defer mu.Unlock()
	options = opts
}

// Process handles one push envelope and returns the notification batch as
// JSON. It returns "" only if content is not an envelope at all.
func Process(content string) string {
	env, err := ingest.ParseEnvelope([]byte(content))
	if err != nil {
		Logger().Error("failed to parse incoming notification payload", zap.Error(err))
		return ""
	}
	if err := InitLogger(env.LogFilePath); err != nil {
		Logger().Warn("failed to open background log", zap.String("path", env.LogFilePath), zap.Error(err))
	}

	mu.Lock()
	p := ingest.New(logger, options)
	mu.Unlock()

	batch, err := p.Process(context.Background(), env)
	if err != nil {
		Logger().Warn("push processed with fallback", zap.Error(err))
	}
	out := render(batch)
	_ = Logger().Sync()
	return out
}

func render(b *ingest.Batch) string {
	out, err := json.Marshal(b)
	if err != nil {
		out, _ = json.Marshal(ingest.Contentless())
	}
	return string(out)
}
