package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"agentgate/internal/telemetry"
)

// Destination selects where audit records go.
type Destination string

const (
	DestFile   Destination = "file"
	DestStdout Destination = "stdout"
	DestSyslog Destination = "syslog"
)

const (
	// DefaultMaxSize triggers rotation.
	DefaultMaxSize = 10 * 1024 * 1024
	// DefaultRetention is how long rotated files are kept.
	DefaultRetention = 90 * 24 * time.Hour
)

// Record is one audit log line.
type Record struct {
	Timestamp   string         `json:"timestamp"`
	Action      string         `json:"action"`
	WorkOrderID string         `json:"work_order_id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	Content     string         `json:"content,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Options configures a Logger. Environment variables override:
// AGENTGATE_AUDIT_DESTINATION, AGENTGATE_AUDIT_CONTENT, AGENTGATE_AUDIT_PATH.
type Options struct {
	Destination    Destination
	Path           string
	IncludeContent bool
	MaxSize        int64
	Retention      time.Duration
}

// OptionsFromEnv resolves options from defaults plus environment overrides.
func OptionsFromEnv(defaultPath string) Options {
	opts := Options{
		Destination:    DestFile,
		Path:           defaultPath,
		IncludeContent: false,
		MaxSize:        DefaultMaxSize,
		Retention:      DefaultRetention,
	}
	switch Destination(os.Getenv("AGENTGATE_AUDIT_DESTINATION")) {
	case DestStdout:
		opts.Destination = DestStdout
	case DestSyslog:
		opts.Destination = DestSyslog
	case DestFile:
		opts.Destination = DestFile
	}
	if v := os.Getenv("AGENTGATE_AUDIT_CONTENT"); v != "" {
		opts.IncludeContent = strings.EqualFold(v, "true")
	}
	if p := os.Getenv("AGENTGATE_AUDIT_PATH"); p != "" {
		opts.Path = p
	}
	return opts
}

// Logger appends line-delimited JSON audit records under a single writer.
// Write failures are reported once and then swallowed so auditing can never
// take down the host path.
type Logger struct {
	opts Options

	mu          sync.Mutex
	file        *os.File
	size        int64
	failedOnce  bool
	lastSweepAt time.Time

	now func() time.Time
}

// NewLogger opens the audit destination. For the file destination the parent
// directory is created 0700.
func NewLogger(opts Options) (*Logger, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	l := &Logger{opts: opts, now: time.Now}
	if opts.Destination == DestFile {
		if opts.Path == "" {
			return nil, fmt.Errorf("audit file destination requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
		if err := l.open(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Write appends one record. Content is dropped unless IncludeContent is set.
func (l *Logger) Write(rec Record) {
	rec.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	if !l.opts.IncludeContent {
		rec.Content = ""
	}
	line, err := json.Marshal(rec)
	if err != nil {
		l.reportFailure(err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.opts.Destination {
	case DestStdout, DestSyslog:
		// Syslog hosts collect stdout in this deployment model.
		os.Stdout.Write(line)
	default:
		if l.file == nil {
			return
		}
		if l.size+int64(len(line)) >= l.opts.MaxSize {
			l.rotateLocked()
		}
		n, err := l.file.Write(line)
		if err != nil {
			l.reportFailure(err)
			return
		}
		l.size += int64(n)
		l.maybeSweepLocked()
	}
}

// rotateLocked renames the active file with a timestamp suffix and reopens.
func (l *Logger) rotateLocked() {
	l.file.Close()
	rotated := fmt.Sprintf("%s.%s", l.opts.Path, l.now().UTC().Format("20060102T150405"))
	if err := os.Rename(l.opts.Path, rotated); err != nil {
		l.reportFailure(err)
	}
	if err := l.open(); err != nil {
		l.reportFailure(err)
		l.file = nil
	}
}

// maybeSweepLocked removes rotated files older than the retention window.
// Sweeps run at most once per hour.
func (l *Logger) maybeSweepLocked() {
	if l.now().Sub(l.lastSweepAt) < time.Hour {
		return
	}
	l.lastSweepAt = l.now()
	dir := filepath.Dir(l.opts.Path)
	base := filepath.Base(l.opts.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := l.now().Add(-l.opts.Retention)
	for _, e := range entries {
		name := e.Name()
		if name == base || !strings.HasPrefix(name, base+".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

func (l *Logger) reportFailure(err error) {
	if l.failedOnce {
		return
	}
	l.failedOnce = true
	telemetry.LogError("audit log write failed, further failures suppressed", err)
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
