package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pkgcacher/pkgcacher/internal/config"
)

// InitLogger builds the process-wide structured logger from the parsed
// configuration record: JSON output, rotated via lumberjack under
// cfg.LogDir, level bumped to Debug when cfg.Debug is set. ApplyLevel
// re-applies the level after a live debug-toggle signal.
func InitLogger(cfg *config.Config) (*logrus.Logger, error) {
	output, outErr := buildOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	ApplyLevel(logger, cfg.Debug)

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"logdir": cfg.LogDir,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// buildOutput resolves the error-log destination described by spec.md §6's
// external-collaborator log rotation contract, falling back to stdout on
// any filesystem error rather than failing daemon startup.
func buildOutput(cfg *config.Config) (io.Writer, error) {
	if cfg.LogDir == "" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("creating log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "error.log"),
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
	return rotator, nil
}

// ApplyLevel updates logger's level in place, used after a debug-toggle
// signal flips config.Runtime's live Debug flag.
func ApplyLevel(logger *logrus.Logger, debug bool) {
	if debug {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	logger.SetLevel(logrus.InfoLevel)
}
