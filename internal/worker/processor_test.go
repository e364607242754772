package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ocr-agent/internal/config"
	"ocr-agent/internal/merge"
	"ocr-agent/internal/models"
	"ocr-agent/internal/queue"
	"ocr-agent/internal/store"
	"ocr-agent/internal/taskerr"
)

type fakeProducer struct {
	mu     sync.Mutex
	text   string
	failOn map[string]error
	calls  []string
}

func (f *fakeProducer) RenderMarkdown(_ context.Context, imagePath, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, imagePath)
	if err, ok := f.failOn[filepath.Base(imagePath)]; ok {
		return "", err
	}
	return f.text, nil
}

type fakeRenderer struct {
	renders int
}

func (f *fakeRenderer) RenderPage(_ context.Context, pdfPath string, pageIndex int, dest string) error {
	f.renders++
	return os.WriteFile(dest, []byte(pdfPath), 0o644)
}

type harness struct {
	queue *queue.Queue
	paths config.Paths
}

func newHarness(t *testing.T) harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenSQLite(filepath.Join(dir, "queue.sqlite3"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))
	return harness{
		queue: queue.New(st, zaptest.NewLogger(t)),
		paths: config.PathsFor(filepath.Join(dir, "output")),
	}
}

func TestRunImageAndPDFEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.EnqueueImages(ctx, []string{"a.png"}, 1)
	require.NoError(t, err)
	_, err = h.queue.EnqueuePDFPages(ctx, "b.pdf", 2, 1)
	require.NoError(t, err)

	renderer := &fakeRenderer{}
	p := NewProcessor(h.queue, &fakeProducer{text: "X"}, renderer, Options{Paths: h.paths}, zaptest.NewLogger(t))
	summary, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, 2, renderer.renders)

	counts, err := h.queue.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.TaskStatus]int{models.StatusCompleted: 3}, counts)

	tasks, err := h.queue.ListInEnqueueOrder(ctx)
	require.NoError(t, err)
	for _, task := range tasks {
		require.NotNil(t, task.OutputPath)
		assert.Equal(t, filepath.Join(h.paths.MarkdownDir, "task_"+itoa(task.ID)+".md"), *task.OutputPath)
	}

	dest := filepath.Join(t.TempDir(), "output.md")
	res, err := merge.NewMerger(merge.ModeDollar, nil).Merge(tasks, dest)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sections)

	doc, err := os.ReadFile(dest)
	require.NoError(t, err)
	text := string(doc)
	assert.Equal(t, 3, strings.Count(text, "\n## "))
	a := strings.Index(text, "## a.png\n")
	p1 := strings.Index(text, "## b.pdf (page 1/2)")
	p2 := strings.Index(text, "## b.pdf (page 2/2)")
	assert.True(t, a >= 0 && a < p1 && p1 < p2, "sections out of order:\n%s", text)

	snap := p.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, 3, snap.Finished)
}

func TestRunContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.EnqueueImages(ctx, []string{"ok1.png", "bad.png", "ok2.png"}, 1)
	require.NoError(t, err)

	producer := &fakeProducer{text: "X", failOn: map[string]error{"bad.png": &taskerr.NotFoundError{Path: "bad.png"}}}
	summary, err := NewProcessor(h.queue, producer, nil, Options{Paths: h.paths}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"ok1.png", "bad.png", "ok2.png"}, producer.calls)

	last, err := h.queue.LastError(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "source not found: bad.png", *last)
}

func TestRunFailFastStopsAfterRecordingFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.EnqueueImages(ctx, []string{"ok1.png", "bad.png", "ok2.png"}, 1)
	require.NoError(t, err)

	boom := errors.New("model unavailable")
	producer := &fakeProducer{text: "X", failOn: map[string]error{"bad.png": boom}}
	summary, err := NewProcessor(h.queue, producer, nil, Options{Paths: h.paths, FailFast: true}, nil).Run(ctx)

	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)

	counts, err := h.queue.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.TaskStatus]int{
		models.StatusCompleted: 1,
		models.StatusFailed:    1,
		models.StatusPending:   1,
	}, counts)

	failed, err := h.queue.Get(ctx, abort.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
}

func TestRunFailFastOnFirstTaskLeavesRestPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.EnqueueImages(ctx, []string{"bad.png", "ok.png"}, 1)
	require.NoError(t, err)

	producer := &fakeProducer{text: "X", failOn: map[string]error{"bad.png": errors.New("engine crashed")}}
	summary, err := NewProcessor(h.queue, producer, nil, Options{Paths: h.paths, FailFast: true}, nil).Run(ctx)

	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Zero(t, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"bad.png"}, producer.calls)

	counts, err := h.queue.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.TaskStatus]int{
		models.StatusFailed:  1,
		models.StatusPending: 1,
	}, counts)
}

func TestRunReusesExistingPageRender(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.EnqueuePDFPages(ctx, "doc.pdf", 1, 1)
	require.NoError(t, err)
	tasks, err := h.queue.ListInEnqueueOrder(ctx)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(h.paths.WorkDir, 0o755))
	existing := filepath.Join(h.paths.WorkDir, "pdf_"+itoa(tasks[0].ID)+"_page_1.png")
	require.NoError(t, os.WriteFile(existing, []byte("png"), 0o644))

	renderer := &fakeRenderer{}
	producer := &fakeProducer{text: "X"}
	_, err = NewProcessor(h.queue, producer, renderer, Options{Paths: h.paths}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, renderer.renders)
	assert.Equal(t, []string{existing}, producer.calls)
}

func TestRunStopsBetweenTasksOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := h.queue.EnqueueImages(ctx, []string{"a.png"}, 1)
	require.NoError(t, err)
	cancel()

	summary, err := NewProcessor(h.queue, &fakeProducer{text: "X"}, nil, Options{Paths: h.paths}, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Processed)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
