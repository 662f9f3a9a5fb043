package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Options configures the process logger.
type Options struct {
	Level   string    // logrus level name; empty means info
	File    string    // optional file that receives a copy of every line
	JSON    bool      // JSON lines instead of text
	Console io.Writer // defaults to os.Stdout
}

// New builds the process logger. The returned close func releases the log file, if any.
func New(opts Options) (*logrus.Logger, func() error, error) {
	logger := logrus.New()
	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	levelName := opts.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	logger.SetLevel(level)

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	closeFn := func() error { return nil }

	if opts.File == "" {
		logger.SetOutput(console)
		return logger, closeFn, nil
	}

	if dir := filepath.Dir(opts.File); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", opts.File, err)
	}
	logger.SetOutput(io.MultiWriter(console, f))
	return logger, f.Close, nil
}
