// Package audit writes the append-only JSONL audit trail of agent runs,
// tool executions and approval decisions.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// Retention controls how long entries are kept. Zero fields mean no limit.
type Retention struct {
	MaxAge  time.Duration
	MaxSize int64 // bytes
}

// FileLogger implements domain.AuditLogger by appending JSON lines to a file.
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention Retention
	now       func() time.Time
}

// NewFileLogger opens (or creates with 0600) the audit log at path.
func NewFileLogger(path string, retention Retention) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLogger{file: f, path: path, retention: retention, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// Log writes an event as one JSON line and mirrors it onto the active span.
func (l *FileLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("audit.Log", domain.ErrAuditWrite, err.Error())
	}

	l.mu.Lock()
	_, err = l.file.Write(append(data, '\n'))
	l.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("audit.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		attrs = append(attrs, tracer.StringAttr("audit.actor", event.Actor))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Read returns the events in the log, oldest first, optionally filtered by type.
func (l *FileLogger) Read(types ...domain.AuditEventType) ([]domain.AuditEvent, error) {
	want := make(map[domain.AuditEventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var ev domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if len(want) == 0 || want[ev.Type] {
			out = append(out, ev)
		}
	}
	return out, scanner.Err()
}

// EnforceRetention drops entries older than MaxAge, then the oldest entries
// until the file fits MaxSize. It returns how many entries were removed.
func (l *FileLogger) EnforceRetention(_ context.Context) (int, error) {
	if l.retention.MaxAge <= 0 && l.retention.MaxSize <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.retention.MaxAge <= 0 {
		info, err := os.Stat(l.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= l.retention.MaxSize {
			return 0, nil
		}
	}

	var cutoff time.Time
	if l.retention.MaxAge > 0 {
		cutoff = l.now().Add(-l.retention.MaxAge)
	}

	kept, removed, err := l.filter(cutoff)
	if err != nil {
		return 0, err
	}
	if err := l.rewrite(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (l *FileLogger) filter(cutoff time.Time) ([][]byte, int, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for retention: %w", err)
	}
	defer f.Close()

	var (
		kept    [][]byte
		size    int64
		removed int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}

	for limit := l.retention.MaxSize; limit > 0 && size > limit && len(kept) > 0; {
		size -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	return kept, removed, nil
}

// rewrite replaces the log with kept and reopens it for appending. Must hold mu.
func (l *FileLogger) rewrite(kept [][]byte) error {
	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close for retention: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		l.file, _ = openAppend(l.path)
		return fmt.Errorf("rename temp file: %w", err)
	}
	l.file, err = openAppend(l.path)
	if err != nil {
		return fmt.Errorf("reopen after retention: %w", err)
	}
	return nil
}

var _ domain.AuditLogger = (*FileLogger)(nil)
