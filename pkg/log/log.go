package log

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Config holds the command-line configurable logging options.
type Config struct {
	Level  string
	Format string
}

type loggerKey struct{}

var root = logrus.New()

// AddFlagsToCommand wires the logging flags into the supplied command,
// binding them directly into cfg.
func AddFlagsToCommand(cmd *cobra.Command, cfg *Config) {
	cmd.PersistentFlags().StringVar(&cfg.Level, "log-level", "info",
		"Set the logging level. One of: trace, debug, info, warn, error, fatal, panic.")
	cmd.PersistentFlags().StringVar(&cfg.Format, "log-format", "text",
		"Set the logging output format. One of: text, json.")
}

// Configure applies cfg to the root logger. It should be called once,
// before any subcommand's RunE executes.
func Configure(cfg *Config) error {
	if cfg.Level == "" {
		return ErrLogOutputRequired
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	root.SetLevel(level)
	root.SetOutput(os.Stderr)

	switch cfg.Format {
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		root.SetFormatter(&logrus.TextFormatter{})
	default:
		return invalidLogFormatError{format: cfg.Format}
	}

	return nil
}

// WithLogger returns a context carrying logger, retrievable via GetLogger.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger returns the logger stored in ctx by WithLogger, or the root
// logger (as an Entry) if none is present.
func GetLogger(ctx context.Context) *logrus.Entry {
	if logger, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return logger
	}

	return logrus.NewEntry(root)
}
