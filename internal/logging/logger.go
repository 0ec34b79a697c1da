// Package logging provides config-driven categorized file logging for mimic.
// Each category writes to its own file under the configured log directory.
// When logging is disabled every call is a silent no-op, so library code can
// log freely without checking configuration first.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies a subsystem log stream.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryStore     Category = "store"
	CategoryIndex     Category = "index"
	CategoryEmbedding Category = "embedding"
	CategoryHistory   Category = "history"
	CategoryConsent   Category = "consent"
	CategoryPrivacy   Category = "privacy"
	CategoryReply     Category = "reply"
	CategoryReact     Category = "react"
)

// Config controls where and how much the category loggers write.
type Config struct {
	Enabled    bool            `yaml:"enabled"`
	Dir        string          `yaml:"dir"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*Logger)
	cfg     Config
	level   = LevelInfo
)

// Logger writes messages for a single category.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Configure sets up the logging directory and level. Safe to call more than
// once; previously opened files are closed.
func Configure(c Config) error {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)

	cfg = c
	switch c.Level {
	case "debug":
		level = LevelDebug
	case "", "info":
		level = LevelInfo
	case "warn":
		level = LevelWarn
	case "error":
		level = LevelError
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}

	if !c.Enabled {
		return nil
	}
	if c.Dir == "" {
		return fmt.Errorf("log directory required when logging is enabled")
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	l := &Logger{category: category}
	if categoryEnabled(category) {
		path := filepath.Join(cfg.Dir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
		} else {
			fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		}
	}
	loggers[category] = l
	return l
}

// categoryEnabled reports whether a category should write. Caller holds mu.
func categoryEnabled(category Category) bool {
	if !cfg.Enabled {
		return false
	}
	if len(cfg.Categories) == 0 {
		return true
	}
	enabled, listed := cfg.Categories[string(category)]
	return !listed || enabled
}

func (l *Logger) write(lvl int, prefix, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	mu.RLock()
	min := level
	mu.RUnlock()
	if lvl < min {
		return
	}
	l.logger.Printf(prefix+format, args...)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG ", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO  ", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN  ", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR ", format, args...)
}

// Convenience helpers for the hot categories.

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func Index(format string, args ...interface{})      { Get(CategoryIndex).Info(format, args...) }
func IndexDebug(format string, args ...interface{}) { Get(CategoryIndex).Debug(format, args...) }
func Embedding(format string, args ...interface{})  { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}
func Reply(format string, args ...interface{})      { Get(CategoryReply).Info(format, args...) }
func ReplyDebug(format string, args ...interface{}) { Get(CategoryReply).Debug(format, args...) }
func Consent(format string, args ...interface{})    { Get(CategoryConsent).Info(format, args...) }
func React(format string, args ...interface{})      { Get(CategoryReact).Info(format, args...) }

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, op string) *Timer {
	return &Timer{category: category, op: op, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s took %v", t.op, time.Since(t.start))
}
