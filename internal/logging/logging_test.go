package logging_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-mcp-news/config"
	"github.com/MegaGrindStone/go-mcp-news/internal/logging"
)

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closeLog, err := logging.New(config.Log{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeLog()

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "news.log")

	var buf bytes.Buffer
	logger, closeLog, err := logging.New(config.Log{Level: "info", File: path}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Info("client connected")
	if err := closeLog(); err != nil {
		t.Fatalf("failed to close log file: %v", err)
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(bs), "client connected") {
		t.Errorf("log file is missing the line: %q", bs)
	}
	if strings.Contains(string(bs), "\x1b[") {
		t.Errorf("log file contains colour escapes: %q", bs)
	}
	if buf.String() != string(bs) {
		t.Errorf("writer and file differ:\n%q\n%q", buf.String(), bs)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := logging.New(config.Log{Level: "loud"}, &bytes.Buffer{})
	if !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("got error %v, want %v", err, config.ErrConfiguration)
	}
}
