package log

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bubbles/pkg/defaults"
)

const (
	// LogVerbosityInfo is the default verbosity.
	LogVerbosityInfo = 0
	// LogVerbosityDebug enables debug logging.
	LogVerbosityDebug = 1
	// LogVerbosityTrace enables trace logging.
	LogVerbosityTrace = 2

	formatText = "text"
	formatJSON = "json"
)

type loggerCtxKeyType string

const loggerCtxKey loggerCtxKeyType = "bubbles.logger"

// Config represents the configuration settings for a logger.
type Config struct {
	// Verbosity specifies the logging verbosity level.
	Verbosity int
	// Format specifies the output log format.
	Format string
	// Output specifies the destination of the log output.
	Output string
}

// Configure will configure the logger from the supplied config.
func Configure(logConfig *Config) error {
	configureVerbosity(logConfig)

	switch logConfig.Format {
	case formatJSON:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case formatText:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return invalidLogFormatError{format: logConfig.Format}
	}

	output := strings.ToLower(logConfig.Output)
	if output == "" {
		return ErrLogOutputRequired
	}

	switch output {
	case "stdout":
		logrus.SetOutput(os.Stdout)
	case "stderr":
		logrus.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(logConfig.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, defaults.DataFilePerm)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", logConfig.Output, err)
		}

		logrus.SetOutput(file)
	}

	return nil
}

func configureVerbosity(logConfig *Config) {
	switch {
	case logConfig.Verbosity >= LogVerbosityTrace:
		logrus.SetLevel(logrus.TraceLevel)
	case logConfig.Verbosity == LogVerbosityDebug:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// AddFlagsToCommand will add the logging flags to the supplied command.
func AddFlagsToCommand(cmd *cobra.Command, config *Config) {
	cmd.PersistentFlags().IntVarP(&config.Verbosity,
		"verbosity",
		"v",
		LogVerbosityInfo,
		"The verbosity level of the logging. 0 is info, 1 is debug and 2 is trace.")

	cmd.PersistentFlags().StringVar(&config.Format,
		"log-format",
		formatText,
		"The format of the logging output. Can be 'text' or 'json'.")

	cmd.PersistentFlags().StringVar(&config.Output,
		"log-output",
		"stderr",
		"The output for logs. Can be 'stdout', 'stderr' or a file path.")
}

// WithLogger is used to attach a logger to a context.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// GetLogger returns the logger attached to the context, or the standard logger.
func GetLogger(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}

	logger, ok := ctx.Value(loggerCtxKey).(*logrus.Entry)
	if !ok || logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}

	return logger
}
