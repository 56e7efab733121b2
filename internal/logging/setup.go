package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Target describes where the process logger writes.
type Target struct {
	Level  Level
	JSON   bool
	File   string // append to this file instead of stderr
	Syslog SyslogConfig
}

// Open builds a Logger for the target. The returned closer releases the
// file or syslog connection and must be called on shutdown.
func Open(t Target) (*Logger, io.Closer, error) {
	var (
		out     io.Writer = os.Stderr
		closers multiCloser
	)

	if t.File != "" {
		if err := os.MkdirAll(filepath.Dir(t.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(t.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closers = append(closers, f)
	}

	if t.Syslog.Enabled {
		w, err := NewSyslogWriter(t.Syslog)
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		out = MultiWriter(out, w)
		closers = append(closers, w)
	}

	l := New(Config{Level: t.Level, Output: out, JSON: t.JSON})
	return l, closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
