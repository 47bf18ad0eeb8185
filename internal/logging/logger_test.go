package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/config"
)

func TestInitLoggerDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("expected stdout output")
	}
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("unexpected level: %v", logger.GetLevel())
	}
}

func TestInitLoggerAcceptsTraceLevel(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "trace"})
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	if logger.GetLevel() != logrus.TraceLevel {
		t.Fatalf("unexpected level: %v", logger.GetLevel())
	}
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "verbose"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestInitLoggerCreatesLogDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mirror-cache.log")
	logger, err := InitLogger(config.GlobalConfig{
		LogLevel:    "debug",
		LogFilePath: path,
		LogMaxSize:  10,
	})
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}

	logger.Info("boot")
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("log directory missing: %v", err)
	}
}
