// Package logging provides pre-configured component loggers for the daemon.
//
// Each component gets its own *logrus.Entry tagged with a "component" field
// so log lines from the lifecycle controller, sandbox, worktree, and terminal
// subsystems can be filtered apart in a single log stream.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
)

// NewLogger creates and returns a pre-configured logger for a specific
// component. Loggers are cached per component.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()

	// Level from environment, defaulting to info
	levelStr := "info"
	if env := os.Getenv("BURROW_LOG_LEVEL"); env != "" {
		levelStr = env
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if os.Getenv("BURROW_LOG_CALLER") == "true" {
		logger.SetReportCaller(true)
	}

	switch os.Getenv("BURROW_LOG_FORMAT") {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	var writers []io.Writer

	// File sink under ~/.burrow/logs, one file per component per day.
	if home, err := os.UserHomeDir(); err == nil {
		dateStr := time.Now().Format("2006-01-02")
		logFilePath := filepath.Join(home, ".burrow", "logs", fmt.Sprintf("%s-%s.log", component, dateStr))
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err == nil {
			file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				writers = append(writers, file)
			}
		}
	}

	// Stderr sink: always in debug mode, otherwise only when stderr is not an
	// interactive terminal (piped output, CI, service managers).
	isDebug := os.Getenv("BURROW_DEBUG") == "1" || logger.GetLevel() == logrus.DebugLevel
	isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if isDebug || !isInteractive {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

// Security returns the audit logger. Health-check failures and terminal
// access denials are always recorded here, whatever the component log level.
func Security() *logrus.Entry {
	entry := NewLogger("security")
	entry.Logger.SetLevel(logrus.InfoLevel)
	return entry
}
