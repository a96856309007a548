//
//
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Actions recorded by the service.
const (
	ActionIngest    = "ingest"
	ActionRateLimit = "rateLimit"
	ActionAnnounce  = "announce"
	ActionSubscribe = "subscribe"
	ActionOperator  = "operator"
)

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Timestamp time.Time              `json:"ts"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
}

// Options controls where the log lives and how it rotates.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger appends security events to <Dir>/audit.jsonl, one JSON object per
// line, separate from the process log.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
	zl       zerolog.Logger
}

// NewLogger creates the directory if needed and opens the log.
func NewLogger(opts Options) (*Logger, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	filePath := filepath.Join(opts.Dir, "audit.jsonl")

	// Open eagerly so permission problems surface at startup.
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	_ = f.Close()

	out := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return &Logger{
		filePath: filePath,
		out:      out,
		zl:       zerolog.New(out),
	}, nil
}

// LogAction records outcome for action by actor.
func (l *Logger) LogAction(_ context.Context, action, actor, outcome string, params map[string]interface{}) {
	if actor == "" {
		actor = "unknown"
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	l.zl.Log().
		Str("ts", time.Now().UTC().Format(time.RFC3339Nano)).
		Str("actor", actor).
		Str("action", action).
		Interface("params", params).
		Str("outcome", outcome).
		Str("code", outcomeCode(outcome)).
		Send()
}

// outcomeCodes groups outcomes into the classes operators alert on.
var outcomeCodes = map[string]string{
	"SUCCESS":              "SUCCESS",
	"ACCEPTED":             "SUCCESS",
	"UNKNOWN_DEVICE":       "AUTH_FAILURE",
	"BAD_SIGNATURE":        "AUTH_FAILURE",
	"STALE":                "AUTH_FAILURE",
	"UNAUTHORIZED":         "AUTH_FAILURE",
	"DUPLICATE":            "REPLAY",
	"RATE_LIMITED":         "RATE_LIMITED",
	"BLOCKED":              "RATE_LIMITED",
	"FORBIDDEN":            "FORBIDDEN",
	"MALFORMED":            "INVALID_INPUT",
	"VALIDATION_FAILED":    "INVALID_INPUT",
	"INVALID_TOPIC":        "INVALID_INPUT",
	"UNAVAILABLE":          "UNAVAILABLE",
	"STORAGE_UNAVAILABLE":  "UNAVAILABLE",
	"IDENTITY_UNAVAILABLE": "UNAVAILABLE",
	"ERROR":                "ERROR",
}

func outcomeCode(outcome string) string {
	if code, ok := outcomeCodes[outcome]; ok {
		return code
	}
	return "UNKNOWN"
}

// Close flushes and closes the log. Later writes are dropped.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

// GetFilePath returns the path of the live log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate starts a new log file, keeping the old one as a timestamped
// backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return errors.New("audit logger closed")
	}
	if err := l.out.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return nil
}
