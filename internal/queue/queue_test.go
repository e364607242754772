package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ocr-agent/internal/models"
	"ocr-agent/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) SetTaskStatus(_ context.Context, id int64, status models.TaskStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, string(status))
	return p.err
}

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "queue.sqlite3"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Init(context.Background()))
	return New(st, zaptest.NewLogger(t), opts...)
}

func TestEnqueueKeepsOrderAcrossImagesAndPages(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	n, err := q.EnqueueImages(ctx, []string{"a.png", "a.png"}, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "repeated paths are enqueued twice")

	n, err = q.EnqueuePDFPages(ctx, "b.pdf", 3, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tasks, err := q.ListInEnqueueOrder(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 5)

	for i, task := range tasks[2:] {
		assert.Equal(t, models.KindPDFPage, task.Kind)
		require.True(t, task.HasPageMetadata())
		assert.Equal(t, i, *task.PDFPageIndex)
		assert.Equal(t, 3, *task.PDFTotalPages)
		assert.Equal(t, tasks[2].ID+int64(i), task.ID, "pages form a contiguous id run")
	}
}

func TestEnqueuePDFWithoutPagesIsNoop(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	n, err := q.EnqueuePDFPages(ctx, "empty.pdf", 0, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	tasks, err := q.ListInEnqueueOrder(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestFetchNextPendingNeverReturnsFinishedTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueImages(ctx, []string{"a.png", "b.png", "c.png"}, 1)
	require.NoError(t, err)

	var seen []string
	for {
		task, err := q.FetchNextPending(ctx)
		require.NoError(t, err)
		if task == nil {
			break
		}
		seen = append(seen, task.SourcePath)
		require.NoError(t, q.MarkRunning(ctx, task.ID))
		if task.SourcePath == "b.png" {
			require.NoError(t, q.MarkFailed(ctx, task.ID, "bad image"))
		} else {
			require.NoError(t, q.MarkCompleted(ctx, task.ID, task.SourcePath+".md"))
		}
	}
	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, seen)

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.TaskStatus]int{models.StatusCompleted: 2, models.StatusFailed: 1}, counts)

	last, err := q.LastError(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "bad image", *last)
}

func TestRecoverInterruptedFailsRunningTasks(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueImages(ctx, []string{"a.png", "b.png"}, 1)
	require.NoError(t, err)
	first, err := q.FetchNextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkRunning(ctx, first.ID))

	n, err := q.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, InterruptedMessage, *got.Error)

	next, err := q.FetchNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "b.png", next.SourcePath)
}

func TestPublisherSeesTransitionsAndItsErrorsAreIgnored(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	q := newTestQueue(t, WithStatusPublisher(pub))
	ctx := context.Background()

	_, err := q.EnqueueImages(ctx, []string{"a.png"}, 1)
	require.NoError(t, err)
	task, err := q.FetchNextPending(ctx)
	require.NoError(t, err)

	require.NoError(t, q.MarkRunning(ctx, task.ID))
	require.NoError(t, q.MarkCompleted(ctx, task.ID, "out.md"))

	assert.Equal(t, []string{"running", "completed"}, pub.events)
}

func TestDeleteAllEmptiesQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueImages(ctx, []string{"a.png", "b.png"}, 1)
	require.NoError(t, err)

	n, err := q.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := q.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}
