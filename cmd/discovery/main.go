// Package main wires together the discovery service binary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-discovery/internal/config"
	"github.com/JakeFAU/product-discovery/internal/runs"
	"github.com/JakeFAU/product-discovery/internal/server"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "discovery: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "run") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run":
		return runOnce(ctx, args, stdout)
	default:
		return serve(ctx, args)
	}
}

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return app.Run(ctx)
}

type runFlags struct {
	cfgPath string
	req     runs.Request
}

func parseRunFlags(args []string) (runFlags, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&f.cfgPath, "config", "", "Path to config file")
	fs.StringVar(&f.req.Keyword, "keyword", "", "Keyword to search; sampled from the trending ranking when empty")
	fs.StringVar(&f.req.Tag, "tag", "", "Keyword source tag (naver or naver_store)")
	fs.StringVar(&f.req.Category, "category", "", "Keyword ranking category id")
	fs.StringVar(&f.req.StartDate, "start-date", "", "Ranking window start (YYYY-MM-DD)")
	fs.StringVar(&f.req.EndDate, "end-date", "", "Ranking window end (YYYY-MM-DD)")
	fs.IntVar(&f.req.TopN, "top-n", 0, "Rank the top N candidates instead of selecting one")
	fs.BoolVar(&f.req.Detail, "detail", false, "Crawl the selected product page")
	fs.BoolVar(&f.req.Upload, "upload", false, "Upload the selected product's images")
	fs.BoolVar(&f.req.Content, "content", false, "Generate blog content for the selected product")
	fs.BoolVar(&f.req.Publish, "publish", false, "Publish the handoff message")
	fs.StringVar(&f.req.JobID, "job-id", "", "Scheduler job id echoed in the execution log")
	if err := fs.Parse(args); err != nil {
		return runFlags{}, err
	}
	if f.req.TopN < 0 {
		return runFlags{}, errors.New("-top-n must be >= 0")
	}
	return f, nil
}

func runOnce(ctx context.Context, args []string, stdout io.Writer) error {
	f, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(f.cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	defer func() {
		if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil {
			zap.L().Warn("close failed", zap.Error(closeErr))
		}
	}()

	res, runErr := app.RunOnce(ctx, f.req)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(res); err != nil {
		return errors.Join(runErr, fmt.Errorf("encode result: %w", err))
	}
	return runErr
}
