package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	instance *Logger
	mu       sync.RWMutex

	// sync.Once for setting zerolog global state (to prevent data races)
	timeFormatOnce sync.Once
)

// Logger wraps zerolog with the fields it was derived with.
type Logger struct {
	*zerolog.Logger
	config  *Config
	fields  Fields
	closers []io.Closer
	mu      sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`

	Console ConsoleConfig `json:"console" yaml:"console"`
	File    FileConfig    `json:"file" yaml:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// AsyncWrite uses a diode writer so logging never blocks a hot path
	AsyncWrite bool `json:"async_write" yaml:"async_write"`

	// BufferSize for async writer (in messages)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	// Output target (stdout, stderr)
	Output string `json:"output" yaml:"output"`
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable bool   `json:"enable" yaml:"enable"`
	Path   string `json:"path" yaml:"path"`
	// MaxSize in megabytes
	MaxSize int `json:"max_size" yaml:"max_size"`
	// MaxAge in days
	MaxAge     int  `json:"max_age" yaml:"max_age"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups"`
	Compress   bool `json:"compress" yaml:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Path:       "rangedht.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Fields:     make(Fields),
		BufferSize: 10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)

	if config.Console.Enable {
		var output io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			output = os.Stderr
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file output enabled without a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  true,
			Compress:   config.File.Compress,
		}
		writers = append(writers, fileWriter)
		closers = append(closers, fileWriter)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		// the diode must be flushed before the file underneath it is closed
		closers = append([]io.Closer{dw}, closers...)
	}

	builder := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		builder = builder.Caller()
	}
	fields := make(Fields, len(config.Fields))
	for k, v := range config.Fields {
		builder = builder.Interface(k, v)
		fields[k] = v
	}

	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	zl := builder.Logger()
	return &Logger{
		Logger:  &zl,
		config:  config,
		fields:  fields,
		closers: closers,
	}, nil
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, config: DefaultConfig(), fields: make(Fields)}
}

// SetGlobal sets the global logger instance
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	instance = l
}

// Get returns the global logger instance, creating a default one if needed
func Get() *Logger {
	mu.RLock()
	l := instance
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = Nop()
		}
		instance = l
	}
	return instance
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	newLogger := l.Logger.Level(lvl)
	l.Logger = &newLogger
	l.config.Level = level
	return nil
}

// Fields returns a copy of the fields attached to this logger
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	newFields := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	ctx := base.With()
	for k, v := range fields {
		newFields[k] = v
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: newFields,
	}
}

// WithError creates a child logger with error details added
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Close flushes async buffers and closes rotated files. Child loggers
// share writers with their parent and own nothing to close.
func (l *Logger) Close() error {
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()

	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
