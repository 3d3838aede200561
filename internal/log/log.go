package log

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *logrus.Logger
	once   sync.Once
	mu     sync.Mutex
)

const ContextIDKey = "context_id"

type Fields = logrus.Fields

// Options configure the process logger
type Options struct {
	Level    string
	File     string
	NoColors bool
	// Caller adds file:line of the log call
	Caller bool
}

// NewLogger returns the process logger, creating it on first use with defaults
func NewLogger() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(newFormatter(false))
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// Setup reconfigures the process logger. An empty file logs to stderr only.
func Setup(opts Options) error {
	l := NewLogger()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	writers := []io.Writer{os.Stderr}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}

	mu.Lock()
	defer mu.Unlock()
	l.SetLevel(level)
	l.SetFormatter(newFormatter(opts.NoColors))
	l.SetOutput(io.MultiWriter(writers...))
	l.SetReportCaller(opts.Caller)
	return nil
}

// SetOutput redirects the logger, mostly for tests
func SetOutput(w io.Writer) {
	l := NewLogger()
	mu.Lock()
	defer mu.Unlock()
	l.SetOutput(w)
}

func newFormatter(noColors bool) *formatter.Formatter {
	return &formatter.Formatter{
		NoColors:        noColors,
		TimestampFormat: "02 Jan 06 - 15:04:05",
		HideKeys:        false,
		CallerFirst:     true,
		FieldsOrder:     []string{"kind", ContextIDKey},
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			funcName := s[len(s)-1]
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
		},
	}
}

// NewContextID returns a fresh identifier for a processing context
func NewContextID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return "unknown"
	}
	return id.String()
}

// WithContext returns an entry tagged with a context kind and id
func WithContext(kind, id string) *logrus.Entry {
	return NewLogger().WithFields(Fields{"kind": kind, ContextIDKey: id})
}

func Debug(fields Fields, msg string) {
	if fields == nil {
		fields = Fields{}
	}
	NewLogger().WithFields(fields).Debug(msg)
}

func Info(fields Fields, msg string) {
	if fields == nil {
		fields = Fields{}
	}
	NewLogger().WithFields(fields).Info(msg)
}

func Warn(fields Fields, msg string) {
	if fields == nil {
		fields = Fields{}
	}
	NewLogger().WithFields(fields).Warn(msg)
}

func Error(fields Fields, msg string) {
	if fields == nil {
		fields = Fields{}
	}
	NewLogger().WithFields(fields).Error(msg)
}

func Fatal(fields Fields, msg string) {
	if fields == nil {
		fields = Fields{}
	}
	NewLogger().WithFields(fields).Fatal(msg)
}
