// Package runlog is the append-only structured event log of a run. Every
// record is one JSON line in <run_dir>/pipeline.log.jsonl with a fixed
// field contract: ts, run_id, stage, level, event, message, plus free-form
// stage fields.
package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/civic-lens/civiclens/internal/types"
)

const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Logger writes run events. Line appends are serialised by the append-mode
// file descriptor; each record is written as one complete line.
type Logger struct {
	runID string
	path  string
	file  *os.File
	log   zerolog.Logger
}

// Open creates (or appends to) the run log at path.
func Open(runID, path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = time.RFC3339
	zl := zerolog.New(f).With().Timestamp().Str("run_id", runID).Logger()
	return &Logger{runID: runID, path: path, file: f, log: zl}, nil
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Path returns the log file path.
func (l *Logger) Path() string { return l.path }

// Log writes one record. Fields are merged after the fixed contract keys so
// stage-specific detail never clobbers them.
func (l *Logger) Log(stage types.Stage, level, event, message string, fields map[string]any) {
	ev := l.log.Log().
		Str("stage", string(stage)).
		Str("level", level).
		Str("event", event).
		Str("message", message)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Send()
}

// Info logs an INFO record.
func (l *Logger) Info(stage types.Stage, event, message string, fields map[string]any) {
	l.Log(stage, LevelInfo, event, message, fields)
}

// Warn logs a WARNING record.
func (l *Logger) Warn(stage types.Stage, event, message string, fields map[string]any) {
	l.Log(stage, LevelWarning, event, message, fields)
}

// Error logs an ERROR record.
func (l *Logger) Error(stage types.Stage, event, message string, fields map[string]any) {
	l.Log(stage, LevelError, event, message, fields)
}

// Tail returns up to n parsed records from the end of the log at path.
// Malformed lines are skipped. A missing file yields an empty slice.
func Tail(path string, n int) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
