package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger creates the process logger. The returned closer releases a log
// file and is a no-op for stdout and stderr.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	var (
		writer io.Writer
		closer io.Closer = nopCloser{}
		fd     uintptr
		isFile bool
	)
	switch cfg.Output {
	case "", "stderr":
		writer, fd = os.Stderr, os.Stderr.Fd()
	case "stdout":
		writer, fd = os.Stdout, os.Stdout.Fd()
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writer, closer, isFile = file, file, true
	}

	terminal := !isFile && (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
	return newLogger(cfg, writer, terminal), closer, nil
}

func newLogger(cfg LoggingConfig, writer io.Writer, terminal bool) zerolog.Logger {
	console := cfg.Format == "console" || (cfg.Format == "auto" && terminal)
	if console {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: getTimeFormat(cfg.TimeFormat),
			NoColor:    cfg.NoColor || !terminal,
		}
	}

	switch cfg.TimeFormat {
	case "unix":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	case "unixms":
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	default:
		zerolog.TimeFieldFormat = time.RFC3339
	}

	zlog := zerolog.New(writer).With().Timestamp().Logger().Level(parseLogLevel(cfg.Level))
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return zlog
}

// SetGlobal installs l as the package-level logger used by the transport and
// the secrets backends.
func SetGlobal(l zerolog.Logger) {
	log.Logger = l
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func getTimeFormat(format string) string {
	switch format {
	case "unix", "unixms":
		return time.StampMilli
	default:
		return time.Kitchen
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
