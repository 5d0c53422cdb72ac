// CLAUDE:SUMMARY CLI entry point for dedash: live chat-page watcher plus an offline rewrite subcommand.
// Command dedash keeps a chat page free of em and en dashes.
//
// Usage:
//
//	dedash -config dedash.yaml                 # watch the page from YAML config
//	dedash -url https://chatgpt.com/           # watch with defaults
//	dedash rewrite -in saved.html -out clean.html
//	dedash rewrite -text < notes.txt
//
// DEDASH_CONFIG, DEDASH_URL, DEDASH_LISTEN and DEDASH_LOG_LEVEL set flag
// defaults. They are also read from a .env file in the working directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hazyhaar/dedash/dedash"
)

func main() {
	// Optional: a missing .env leaves the environment as is.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "rewrite" {
		logger := newLogger(envOr("DEDASH_LOG_LEVEL", "info"))
		if err := runRewrite(logger, os.Args[2:]); err != nil {
			logger.Error("dedash: rewrite", "error", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", os.Getenv("DEDASH_CONFIG"), "path to dedash.yaml config file")
	pageURL := flag.String("url", os.Getenv("DEDASH_URL"), "chat page URL (overrides config)")
	listen := flag.String("listen", os.Getenv("DEDASH_LISTEN"), "status endpoint address, e.g. 127.0.0.1:8787 (overrides config)")
	logLevel := flag.String("log-level", envOr("DEDASH_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *pageURL, *listen); err != nil {
		logger.Error("dedash: fatal", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(name string) *slog.Logger {
	var level slog.Level
	switch name {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, logger *slog.Logger, configPath, pageURL, listen string) error {
	cfg := dedash.DefaultConfig()
	if configPath != "" {
		c, err := dedash.LoadConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if pageURL != "" {
		cfg.Page.URL = pageURL
	}
	if listen != "" {
		cfg.Status.Listen = listen
	}

	w, err := dedash.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	<-ctx.Done()
	w.Stop()
	return nil
}

func runRewrite(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("rewrite", flag.ContinueOnError)
	in := fs.String("in", "", "input file (default stdin)")
	out := fs.String("out", "", "output file (default stdout)")
	text := fs.Bool("text", false, "treat input as plain text instead of a saved chat page")
	root := fs.String("root", "", "conversation root selector")
	message := fs.String("message", "", "assistant message selector")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if *in != "" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	rewrite := func(w io.Writer) error {
		if *text {
			_, err := dedash.RewriteText(r, w)
			return err
		}
		n, err := dedash.RewriteHTML(context.Background(), r, w, dedash.OfflineOptions{
			RootSelector:    *root,
			MessageSelector: *message,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		logger.Info("dedash: rewrite done", "replaced", n)
		return nil
	}
	if *out == "" {
		return rewrite(os.Stdout)
	}
	return writeFile(*out, rewrite)
}

// writeFile creates path and hands it to fn. A failed close is returned
// like a failed write.
func writeFile(path string, fn func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(f)
}
