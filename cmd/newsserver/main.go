package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/MegaGrindStone/go-mcp-news"
	"github.com/MegaGrindStone/go-mcp-news/config"
	"github.com/MegaGrindStone/go-mcp-news/internal/logging"
	"github.com/MegaGrindStone/go-mcp-news/servers/news"
)

const version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	cmd := &cli.Command{
		Name:    "newsserver",
		Usage:   "serve the aggregate_news MCP tool",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address, overrides NEWS_SERVER_ADDR"},
			&cli.StringFlag{Name: "base-url", Usage: "public base URL announced to SSE clients, overrides NEWS_SERVER_BASE_URL"},
			&cli.StringFlag{Name: "transport", Value: "sse", Usage: "transport to serve on: sse or stdio"},
			&cli.StringFlag{Name: "source-filter", Usage: "glob over article sources, overrides NEWS_SOURCE_FILTER"},
			&cli.IntFlag{Name: "max-tokens", Usage: "token budget of each sampling request, overrides NEWS_MAX_TOKENS"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error, overrides LOG_LEVEL"},
			&cli.StringFlag{Name: "log-file", Usage: "also write logs to this file, overrides LOG_FILE"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	if cmd.IsSet("addr") {
		cfg.Addr = cmd.String("addr")
	}
	if cmd.IsSet("base-url") {
		cfg.BaseURL = cmd.String("base-url")
	}
	if cmd.IsSet("source-filter") {
		cfg.SourceFilter = cmd.String("source-filter")
	}
	if cmd.IsSet("max-tokens") {
		cfg.MaxTokens = cmd.Int("max-tokens")
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-file") {
		cfg.Log.File = cmd.String("log-file")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Logs go to stderr, which keeps stdout free for the stdio transport.
	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	toolServer, err := news.NewServer(
		news.WithLogger(logger),
		news.WithSourceFilter(cfg.SourceFilter),
		news.WithMaxTokens(cfg.MaxTokens),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfiguration, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverOptions := []mcp.ServerOption{
		mcp.WithToolServer(toolServer),
		mcp.WithRequireSamplingClient(),
		mcp.WithServerPingInterval(cfg.PingInterval),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("clientName", info.Name),
				slog.String("clientVersion", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}

	info := mcp.Info{Name: "news-aggregator", Version: version}

	switch cmd.String("transport") {
	case "sse":
		return serveSSE(ctx, logger, cfg, info, serverOptions)
	case "stdio":
		return serveStdIO(ctx, logger, info, serverOptions)
	default:
		return fmt.Errorf("%w: unknown transport %q", config.ErrConfiguration, cmd.String("transport"))
	}
}

func serveSSE(
	ctx context.Context,
	logger *slog.Logger,
	cfg config.Server,
	info mcp.Info,
	serverOptions []mcp.ServerOption,
) error {
	messageURL := strings.TrimSuffix(cfg.BaseURL, "/") + "/message"
	sse := mcp.NewSSEServer(messageURL, mcp.WithSSEServerLogger(logger))
	srv := mcp.NewServer(info, sse, serverOptions...)

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())
	mux.Handle("/healthcheck", news.HealthHandler())

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go srv.Serve()

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Addr), slog.String("messageURL", messageURL))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errs:
		logger.Error("http server failed", slog.String("err", serveErr.Error()))
	}

	sCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stopping the MCP sessions first ends the open SSE streams, so the HTTP shutdown does not
	// wait on them.
	if err := srv.Shutdown(sCtx); err != nil {
		logger.Error("failed to shutdown MCP server", slog.String("err", err.Error()))
	}
	if err := httpSrv.Shutdown(sCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", slog.String("err", err.Error()))
	}

	return serveErr
}

func serveStdIO(ctx context.Context, logger *slog.Logger, info mcp.Info, serverOptions []mcp.ServerOption) error {
	transport := mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))
	srv := mcp.NewServer(info, transport, serverOptions...)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	logger.Info("serving on stdio")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-served:
		logger.Info("stdio session ended")
	}

	sCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(sCtx)
}
