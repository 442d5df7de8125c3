package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It discards output until Init is called.
var Logger = zerolog.Nop()

// Init configures Logger for serviceName. An empty level falls back to
// LOG_LEVEL; unknown levels mean info. format "json" writes raw JSON lines.
func Init(serviceName, level, format string) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	Logger = zerolog.New(output(format)).
		With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}

func output(format string) io.Writer {
	if format == "json" {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
}

func with(key, value string) *zerolog.Logger {
	l := Logger.With().Str(key, value).Logger()
	return &l
}

func WithJobID(jobID string) *zerolog.Logger { return with("job_id", jobID) }

func WithCorrelationID(correlationID string) *zerolog.Logger {
	return with("correlation_id", correlationID)
}

func WithWorkerID(workerID string) *zerolog.Logger { return with("worker_id", workerID) }
