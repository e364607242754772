package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ocr-agent/internal/discovery"
	"ocr-agent/internal/ingest"
	"ocr-agent/internal/models"
	"ocr-agent/internal/pdf"
	"ocr-agent/internal/queue"
	"ocr-agent/internal/store"
	"ocr-agent/internal/worker"
)

func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

// parseExit maps a flag parse failure to an exit code; -h is not an error.
func parseExit(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	return exitError
}

// openQueue opens and initializes the store at dsn.
func (a *app) openQueue(ctx context.Context, dsn string, opts ...queue.Option) (*queue.Queue, func(), error) {
	st, err := store.Open(ctx, dsn, store.Options{
		RetryAttempts: a.cfg.StoreRetryAttempts,
		RetryBackoff:  a.cfg.StoreRetryBackoff,
		BusyTimeout:   a.cfg.StoreBusyTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return queue.New(st, a.logger, opts...), func() { _ = st.Close() }, nil
}

func (a *app) enqueue(ctx context.Context, args []string) int {
	fs := a.newFlagSet("enqueue")
	queueDB := fs.String("queue-db", a.cfg.QueueDB, "Queue database path or postgres URL")
	if err := fs.Parse(args); err != nil {
		return parseExit(err)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(a.errOut, "Usage: ocr-agent enqueue [--queue-db PATH] <path>...")
		return exitNothingEnqueued
	}

	q, closeStore, err := a.openQueue(ctx, *queueDB)
	if err != nil {
		a.logger.Error("open queue", zap.Error(err))
		return exitError
	}
	defer closeStore()

	res, err := ingest.New(q, pdf.PageCount, a.logger).Ingest(ctx, fs.Args())
	if err != nil {
		a.logger.Error("enqueue", zap.Error(err))
		return exitError
	}
	printIngestReport(a.out, res)

	if res.Total() == 0 {
		fmt.Fprintln(a.out, "Nothing was enqueued. Check your input paths and file types.")
		fmt.Fprintln(a.out, discovery.SupportedTypesHelp())
		return exitNothingEnqueued
	}
	fmt.Fprintf(a.out, "Enqueued: image_tasks=%d, pdf_page_tasks=%d\n", res.ImageTasks, res.PDFPageTasks)
	return exitOK
}

func printIngestReport(w io.Writer, res ingest.Result) {
	section := func(title string, paths []string, help bool) {
		if len(paths) == 0 {
			return
		}
		fmt.Fprintln(w, title)
		for _, p := range paths {
			fmt.Fprintf(w, "- %s\n", p)
		}
		if help {
			fmt.Fprintln(w, discovery.SupportedTypesHelp())
		}
	}
	section("Missing input path(s):", res.Missing, false)
	section("Unsupported input file(s):", res.Unsupported, true)
	section("Directory contains no supported files:", res.EmptyDirs, true)
	section("Unknown input path type (not a file or directory):", res.Unknown, false)
	section("Unreadable PDF(s):", res.Unreadable, false)
}

func (a *app) runQueue(ctx context.Context, args []string) int {
	fs := a.newFlagSet("run")
	queueDB := fs.String("queue-db", a.cfg.QueueDB, "Queue database path or postgres URL")
	outputDir := fs.String("output-dir", a.cfg.OutputDir, "Directory for intermediate outputs")
	outputMD := fs.String("output-md", a.cfg.OutputMD, "Merged Markdown output file path")
	saveResults := fs.Bool("save-model-results", a.cfg.SaveModelResults, "Keep OCR inputs and raw results under output-dir")
	failFast := fs.Bool("fail-fast", a.cfg.FailFast, "Stop immediately when a task fails")
	if err := fs.Parse(args); err != nil {
		return parseExit(err)
	}
	a.cfg.OutputDir, a.cfg.OutputMD = *outputDir, *outputMD
	a.cfg.SaveModelResults, a.cfg.FailFast = *saveResults, *failFast

	p, closeAll, err := a.buildPipeline(ctx, *queueDB)
	if err != nil {
		a.logger.Error("init", zap.Error(err))
		return exitError
	}
	defer closeAll()

	if _, err := p.queue.RecoverInterrupted(ctx); err != nil {
		a.logger.Error("recover interrupted tasks", zap.Error(err))
		return exitError
	}

	summary, err := p.drain(ctx)
	fmt.Fprintf(a.out, "Processed %d task(s), failed %d task(s). Merged into %s\n", summary.Processed, summary.Failed, p.outputMD)
	if err != nil {
		var abort *worker.AbortError
		if errors.As(err, &abort) {
			fmt.Fprintf(a.errOut, "Task failed (task_id=%d): %v\n", abort.TaskID, abort.Err)
		} else {
			a.logger.Error("run", zap.Error(err))
		}
		return exitError
	}
	return exitOK
}

func (a *app) status(ctx context.Context, args []string) int {
	fs := a.newFlagSet("status")
	queueDB := fs.String("queue-db", a.cfg.QueueDB, "Queue database path or postgres URL")
	if err := fs.Parse(args); err != nil {
		return parseExit(err)
	}

	q, closeStore, err := a.openQueue(ctx, *queueDB)
	if err != nil {
		a.logger.Error("open queue", zap.Error(err))
		return exitError
	}
	defer closeStore()

	counts, err := q.StatusCounts(ctx)
	if err != nil {
		a.logger.Error("status", zap.Error(err))
		return exitError
	}
	if len(counts) == 0 {
		fmt.Fprintln(a.out, "Queue is empty.")
		return exitOK
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(a.out, "%s: %d\n", s, counts[models.TaskStatus(s)])
	}
	return exitOK
}

func (a *app) reset(ctx context.Context, args []string) int {
	fs := a.newFlagSet("reset")
	queueDB := fs.String("queue-db", a.cfg.QueueDB, "Queue database path or postgres URL")
	outputDir := fs.String("output-dir", a.cfg.OutputDir, "Directory for intermediate outputs")
	outputMD := fs.String("output-md", a.cfg.OutputMD, "Merged Markdown output file path")
	deleteOutputs := fs.Bool("delete-outputs", false, "Also delete output-dir and output-md")
	yes := fs.Bool("yes", false, "Confirm destructive reset")
	if err := fs.Parse(args); err != nil {
		return parseExit(err)
	}
	if !*yes {
		fmt.Fprintln(a.out, "Refusing to reset without --yes.")
		return exitOK
	}

	q, closeStore, err := a.openQueue(ctx, *queueDB)
	if err != nil {
		a.logger.Error("open queue", zap.Error(err))
		return exitError
	}
	defer closeStore()

	n, err := q.DeleteAll(ctx)
	if err != nil {
		a.logger.Error("reset", zap.Error(err))
		return exitError
	}
	fmt.Fprintf(a.out, "Deleted %d task(s) from queue.\n", n)

	if *deleteOutputs {
		if err := deleteOutputsSafely(a.out, *outputDir, *outputMD); err != nil {
			a.logger.Error("delete outputs", zap.Error(err))
			return exitError
		}
	}
	return exitOK
}

func deleteOutputsSafely(w io.Writer, outputDir, outputMD string) error {
	if isUnsafeDeletionTarget(outputDir) {
		fmt.Fprintf(w, "Refusing to delete output-dir: unsafe path: %s\n", outputDir)
		return nil
	}
	if info, err := os.Stat(outputDir); err == nil && info.IsDir() {
		if err := os.RemoveAll(outputDir); err != nil {
			return err
		}
		fmt.Fprintf(w, "Deleted output-dir: %s\n", outputDir)
	}
	if info, err := os.Stat(outputMD); err == nil && info.Mode().IsRegular() {
		if err := os.Remove(outputMD); err != nil {
			return err
		}
		fmt.Fprintf(w, "Deleted output-md: %s\n", outputMD)
	}
	return nil
}

// isUnsafeDeletionTarget refuses empty and relative-root paths and any
// filesystem root, including Windows drive roots.
func isUnsafeDeletionTarget(dir string) bool {
	trimmed := strings.TrimSpace(dir)
	switch trimmed {
	case "", "/", ".", "..":
		return true
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return true
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Dir(abs) == abs
}
