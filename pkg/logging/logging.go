package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type Options struct {
	Level  slog.Level
	Format Format
	// File, when set, receives the log stream instead of stderr and is
	// rotated at MaxSizeMB.
	File       string
	MaxSizeMB  int
	MaxBackups int
	AddSource  bool
	// Service is attached to every record when set.
	Service string
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger. Text output is colored with tint unless it goes to
// a file; JSON output follows the timestamp/severity/message layout of the
// collectors.
func New(opts Options) *slog.Logger {
	var out io.Writer = os.Stderr
	toFile := opts.File != ""
	if toFile {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 100
		}
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
	}

	var handler slog.Handler
	switch opts.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:     opts.Level,
			AddSource: opts.AddSource,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				switch attr.Key {
				case slog.TimeKey:
					return slog.Attr{Key: "timestamp", Value: attr.Value}
				case slog.LevelKey:
					return slog.String("severity", strings.ToUpper(attr.Value.String()))
				case slog.MessageKey:
					return slog.Attr{Key: "message", Value: attr.Value}
				}
				return attr
			},
		})
	default:
		handler = tint.NewHandler(out, &tint.Options{
			Level:      opts.Level,
			TimeFormat: time.RFC3339,
			AddSource:  opts.AddSource,
			NoColor:    toFile,
		})
	}

	logger := slog.New(handler)
	if s := strings.TrimSpace(opts.Service); s != "" {
		logger = logger.With("service", s)
	}
	return logger
}

// Logger is the process-wide default used by tools that do not configure
// logging themselves.
var Logger = New(Options{Level: slog.LevelDebug, AddSource: true})
