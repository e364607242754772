package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ocr-agent/internal/config"
	"ocr-agent/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
)

const (
	exitOK              = 0
	exitError           = 1
	exitNothingEnqueued = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app carries what every subcommand needs.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	out    io.Writer
	errOut io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitError
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "ocr-agent %s (%s)\n", version, commit)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitError
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return exitError
	}
	defer func() { _ = logger.Sync() }()

	a := &app{cfg: cfg, logger: logger, out: stdout, errOut: stderr}
	switch args[0] {
	case "enqueue":
		return a.enqueue(ctx, args[1:])
	case "run":
		return a.runQueue(ctx, args[1:])
	case "status":
		return a.status(ctx, args[1:])
	case "reset":
		return a.reset(ctx, args[1:])
	case "serve":
		return a.serve(ctx, args[1:])
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		printUsage(stderr)
		return exitError
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: ocr-agent <command> [flags]

Commands:
  enqueue <path>...   Enqueue images, PDFs, folders or glob patterns
  run                 Process the queue and write the merged Markdown
  status              Show task counts per status
  reset --yes         Delete all tasks (and outputs with --delete-outputs)
  serve               Run the HTTP API, watch folder and drain loop
  version             Print the version`)
}
