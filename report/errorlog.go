package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrorLog is the persistent failure log. It is truncated when opened and
// every failure diagnostic is appended to it afterwards.
type ErrorLog struct {
	mu   sync.Mutex
	path string
}

func OpenErrorLog(path string) (*ErrorLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create error log directory: %w", err)
		}
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("truncate error log: %w", err)
	}
	return &ErrorLog{path: path}, nil
}

// Append writes text followed by a newline.
func (l *ErrorLog) Append(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Name is the file name shown to users in status lines.
func (l *ErrorLog) Name() string { return filepath.Base(l.path) }

func (l *ErrorLog) Path() string { return l.path }
