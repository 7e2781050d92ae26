package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/MegaGrindStone/go-mcp-news"
	"github.com/MegaGrindStone/go-mcp-news/config"
	"github.com/MegaGrindStone/go-mcp-news/internal/logging"
	"github.com/MegaGrindStone/go-mcp-news/samplers/azureopenai"
	"github.com/MegaGrindStone/go-mcp-news/servers/news"
)

const version = "0.1.0"

func main() {
	cmd := &cli.Command{
		Name:    "newsclient",
		Usage:   "call the aggregate_news tool and answer its sampling request with Azure OpenAI",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "sse-url", Usage: "SSE endpoint of the server, overrides NEWS_SSE_URL"},
			&cli.StringFlag{Name: "topic", Usage: "topic sent with the tool call, overrides NEWS_TOPIC"},
			&cli.DurationFlag{Name: "timeout", Usage: "how long to wait for the tool result (0 waits indefinitely), overrides NEWS_REQUEST_TIMEOUT"},
			&cli.BoolFlag{Name: "diff", Usage: "print a diff between the original and the rewritten articles"},
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
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	if cmd.IsSet("sse-url") {
		cfg.SSEURL = cmd.String("sse-url")
	}
	if cmd.IsSet("topic") {
		cfg.Topic = cmd.String("topic")
	}
	if cmd.IsSet("timeout") {
		cfg.RequestTimeout = cmd.Duration("timeout")
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

	logger, closeLog, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()

	sampler, err := azureopenai.New(cfg.Azure, azureopenai.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := mcp.NewSSEClient(cfg.SSEURL, nil, mcp.WithSSEClientLogger(logger))
	client := mcp.NewClient(mcp.Info{Name: "news-client", Version: version}, transport,
		mcp.WithSamplingHandler(sampler),
		mcp.WithProgressListener(progressLogger{logger: logger}),
		mcp.WithClientReadTimeout(cfg.RequestTimeout),
		mcp.WithClientLogger(logger),
	)
	defer client.Close()

	text, err := aggregate(ctx, client, logger, cfg.Topic)
	if err != nil {
		return err
	}

	fmt.Println(text)

	if cmd.Bool("diff") {
		printDiff(os.Stdout, logger, text)
	}

	return nil
}

func aggregate(ctx context.Context, client *mcp.Client, logger *slog.Logger, topic string) (string, error) {
	if err := client.Connect(ctx); err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		logger.Warn("ping failed", slog.String("err", err.Error()))
	} else {
		logger.Info("server answered ping")
	}

	tools, err := client.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return "", fmt.Errorf("failed to list tools: %w", err)
	}
	for _, t := range tools.Tools {
		logger.Info("available tool", slog.String("name", t.Name), slog.String("description", t.Description))
	}

	args, err := json.Marshal(map[string]any{
		"message": map[string]any{"topic": topic},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal arguments: %w", err)
	}

	res, err := client.CallTool(ctx, mcp.CallToolParams{
		Name:      news.AggregateNewsToolName,
		Arguments: args,
		Meta:      mcp.ParamsMeta{ProgressToken: mcp.MustString(news.AggregateNewsToolName)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to call %s: %w", news.AggregateNewsToolName, err)
	}

	var text string
	for _, content := range res.Content {
		if content.Type == mcp.ContentTypeText {
			text += content.Text
		}
	}
	if res.IsError {
		return "", errors.New(text)
	}

	return text, nil
}

func printDiff(w io.Writer, logger *slog.Logger, text string) {
	var rewritten []news.Article
	if err := json.Unmarshal([]byte(text), &rewritten); err != nil {
		logger.Warn("tool result is not an article array, skipping diff", slog.String("err", err.Error()))
		return
	}

	diff := news.Diff(news.Articles(), rewritten)
	if diff == "" {
		fmt.Fprintln(w, "no changes")
		return
	}
	fmt.Fprint(w, diff)
}

type progressLogger struct {
	logger *slog.Logger
}

func (p progressLogger) OnProgress(params mcp.ProgressParams) {
	p.logger.Info("progress",
		slog.String("token", string(params.ProgressToken)),
		slog.Float64("progress", params.Progress),
		slog.Float64("total", params.Total))
}
