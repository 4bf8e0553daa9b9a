// Package logging builds the per-component loggers used across shiftd.
//
// Every component logs through a standard *log.Logger with a bracketed
// prefix. Output goes to stderr and, when a log file is configured, to a
// size-rotated file as well.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output.
type Config struct {
	// File is the log file path. Empty logs to stderr only.
	File string
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
	// MaxAgeDays removes rotated files older than this.
	MaxAgeDays int
	// Quiet suppresses stderr output. Only the file is written.
	Quiet bool
}

// DefaultConfig returns stderr-only logging with rotation settings used
// once a file is set.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Factory hands out component loggers that share one output.
type Factory struct {
	out  io.Writer
	file *lumberjack.Logger

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates a Factory. stderr may be nil, in which case os.Stderr is used.
func New(cfg Config, stderr io.Writer) (*Factory, error) {
	if stderr == nil {
		stderr = os.Stderr
	}

	f := &Factory{loggers: make(map[string]*log.Logger)}
	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, stderr)
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, err
		}
		def := DefaultConfig()
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = def.MaxSizeMB
		}
		f.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		writers = append(writers, f.file)
	}

	switch len(writers) {
	case 0:
		f.out = io.Discard
	case 1:
		f.out = writers[0]
	default:
		f.out = io.MultiWriter(writers...)
	}
	return f, nil
}

// Logger returns the logger for component, prefixed "[component] ".
// Repeated calls return the same logger.
func (f *Factory) Logger(component string) *log.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.loggers[component]; ok {
		return l
	}
	l := log.New(f.out, "["+component+"] ", log.LstdFlags)
	f.loggers[component] = l
	return l
}

// Writer returns the shared output.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Rotate starts a new log file. It is a no-op without a file.
func (f *Factory) Rotate() error {
	if f.file == nil {
		return nil
	}
	return f.file.Rotate()
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
