package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func bundle(t *testing.T, inbox, name string, markers ...string) string {
	t.Helper()
	dir := filepath.Join(inbox, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, m := range markers {
		require.NoError(t, os.WriteFile(filepath.Join(dir, m), nil, 0o644))
	}
	return dir
}

func TestListReadySkipsUnreadyAndFinished(t *testing.T) {
	inbox := t.TempDir()
	b := bundle(t, inbox, "b", ReadyMarker)
	a := bundle(t, inbox, "a", ReadyMarker)
	bundle(t, inbox, "c")
	bundle(t, inbox, "d", ReadyMarker, ProcessedMarker)
	bundle(t, inbox, "e", ReadyMarker, FailedMarker)
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "loose.png"), nil, 0o644))

	got, err := ListReady(inbox)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, got)
}

func TestListReadyRejectsBadInbox(t *testing.T) {
	_, err := ListReady(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = ListReady(file)
	assert.Error(t, err)
}

func TestTryLockIsExclusive(t *testing.T) {
	dir := bundle(t, t.TempDir(), "x", ReadyMarker)

	ok, err := TryLock(dir)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = TryLock(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, MarkProcessed(dir))
	assert.NoFileExists(t, filepath.Join(dir, ProcessingMarker))
	assert.FileExists(t, filepath.Join(dir, ProcessedMarker))
}

func TestScanOnceMarksOutcome(t *testing.T) {
	inbox := t.TempDir()
	good := bundle(t, inbox, "good", ReadyMarker)
	bad := bundle(t, inbox, "bad", ReadyMarker)

	var seen []string
	w := New(inbox, time.Second, func(_ context.Context, dir string) error {
		seen = append(seen, dir)
		if dir == bad {
			return errors.New("nothing enqueued")
		}
		return nil
	}, zaptest.NewLogger(t))

	assert.Equal(t, 2, w.ScanOnce(context.Background()))
	assert.Equal(t, []string{bad, good}, seen)
	assert.FileExists(t, filepath.Join(good, ProcessedMarker))

	msg, err := os.ReadFile(filepath.Join(bad, FailedMarker))
	require.NoError(t, err)
	assert.Equal(t, "nothing enqueued", string(msg))
	assert.Equal(t, "nothing enqueued", w.Status().LastError)

	assert.Zero(t, w.ScanOnce(context.Background()), "finished bundles are not picked up again")
}

func TestRunPicksUpBundlesUntilCancelled(t *testing.T) {
	inbox := t.TempDir()
	handled := make(chan string, 1)
	w := New(inbox, 20*time.Millisecond, func(_ context.Context, dir string) error {
		handled <- dir
		return nil
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	dir := bundle(t, inbox, "late", ReadyMarker)
	select {
	case got := <-handled:
		assert.Equal(t, dir, got)
	case <-time.After(5 * time.Second):
		t.Fatal("bundle was not picked up")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.False(t, w.Status().Running)
}
