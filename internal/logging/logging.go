// Package logging builds the *log.Logger values handed to every component.
//
// Without a log file, loggers write to stderr. With one, output goes to a
// size-rotated file managed by lumberjack, so a long-running daemon does
// not grow its log without bound.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/localfirst/opsync/internal/config"
)

// Factory hands out prefixed loggers sharing one writer.
type Factory struct {
	w       io.Writer
	closer  io.Closer
	verbose bool
}

// New creates a Factory from the log settings. A relative file name is
// resolved against dataDir.
func New(cfg config.LogConfig, dataDir string) *Factory {
	if cfg.File == "" {
		return &Factory{w: os.Stderr, verbose: cfg.Verbose}
	}

	path := cfg.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataDir, path)
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	w := io.Writer(lj)
	if cfg.Verbose {
		w = io.MultiWriter(lj, os.Stderr)
	}
	return &Factory{w: w, closer: lj, verbose: cfg.Verbose}
}

// Discard returns a Factory whose loggers drop everything.
func Discard() *Factory {
	return &Factory{w: io.Discard}
}

// Logger returns a logger with the "[component] " prefix.
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.w, "["+component+"] ", log.LstdFlags)
}

// Quiet returns Logger(component) for a file-backed or verbose factory,
// and a discarding logger otherwise. CLI commands use it so routine sync
// chatter does not mix with their output.
func (f *Factory) Quiet(component string) *log.Logger {
	if f.closer == nil && !f.verbose {
		return log.New(io.Discard, "", 0)
	}
	return f.Logger(component)
}

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
