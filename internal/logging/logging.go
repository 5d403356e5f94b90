// Package logging builds the loggers flatsync components share.
//
// Interactive commands log to stderr. Long-running modes (daemon,
// dashboard) route the same loggers through a size-capped rotating file
// so an unattended process cannot fill the disk.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output for one process.
type Options struct {
	// File is the rotating log file path. Empty means stderr only.
	File string

	// MaxSizeMB caps one log file before rotation (default 10).
	MaxSizeMB int

	// MaxBackups bounds the number of rotated files kept (default 3).
	MaxBackups int

	// MaxAgeDays discards rotated files older than this (default 28).
	MaxAgeDays int

	// Echo mirrors file output to stderr as well, for foreground runs.
	Echo bool
}

// New returns a logger with the given bracketed prefix, e.g. "[daemon] ".
// With no file configured the logger writes to stderr.
func New(prefix string, opts Options) *log.Logger {
	return log.New(writer(opts), prefix, log.LstdFlags)
}

// writer builds the shared destination for a process's loggers.
func writer(opts Options) io.Writer {
	if opts.File == "" {
		return os.Stderr
	}

	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 28
	}

	rotating := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	if opts.Echo {
		return io.MultiWriter(os.Stderr, rotating)
	}
	return rotating
}
