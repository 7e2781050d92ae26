// Package logging builds the process logger of the news commands.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/MegaGrindStone/go-mcp-news/config"
)

// New returns a logger writing human-readable lines to w, and to cfg.File as well when set.
// The returned close function releases the log file and must be called before exit.
func New(cfg config.Log, w io.Writer) (*slog.Logger, func() error, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() error { return nil }
	noColor := false
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closeFn = f.Close
		// Colour escapes would end up in the file.
		noColor = true
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})

	return slog.New(handler), closeFn, nil
}
