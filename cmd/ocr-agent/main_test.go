package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	for _, key := range []string{"OCR_AGENT_CONFIG", "REDIS_ADDR", "S3_BUCKET", "MERGED_HTML_PATH", "QUEUE_DB", "OUTPUT_DIR", "OUTPUT_MD"} {
		t.Setenv(key, "")
	}
	t.Setenv("LOG_LEVEL", "error")
	return t.TempDir()
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, exitOK, code)
	assert.True(t, strings.HasPrefix(out, "ocr-agent dev"))
}

func TestUnknownCommand(t *testing.T) {
	isolate(t)
	code, _, errOut := runCLI(t, "frobnicate")
	assert.Equal(t, exitError, code)
	assert.Contains(t, errOut, `unknown command "frobnicate"`)
}

func TestFlagErrorsExitCodes(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "queue.sqlite3")

	for _, cmd := range []string{"run", "status", "reset", "serve", "enqueue"} {
		code, _, _ := runCLI(t, cmd, "-h")
		assert.Equal(t, exitOK, code, "%s -h", cmd)

		code, _, _ = runCLI(t, cmd, "--queue-db", db, "--no-such-flag")
		assert.Equal(t, exitError, code, "%s with an unknown flag", cmd)
	}
}

func TestEnqueueNothingExitsTwo(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "queue.sqlite3")
	missing := filepath.Join(dir, "missing.png")

	code, out, _ := runCLI(t, "enqueue", "--queue-db", db, missing)
	assert.Equal(t, exitNothingEnqueued, code)
	assert.Contains(t, out, "Missing input path(s):\n- "+missing)
	assert.Contains(t, out, "Nothing was enqueued.")
	assert.Contains(t, out, ".pdf")
}

func TestEnqueueThenStatus(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "queue.sqlite3")

	code, out, _ := runCLI(t, "status", "--queue-db", db)
	require.Equal(t, exitOK, code)
	assert.Equal(t, "Queue is empty.\n", out)

	img := filepath.Join(dir, "scan.png")
	require.NoError(t, os.WriteFile(img, []byte("x"), 0o644))
	code, out, _ = runCLI(t, "enqueue", "--queue-db", db, img)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Enqueued: image_tasks=1, pdf_page_tasks=0")

	code, out, _ = runCLI(t, "status", "--queue-db", db)
	require.Equal(t, exitOK, code)
	assert.Equal(t, "pending: 1\n", out)
}

func TestRunOnEmptyQueueWritesTitleOnly(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "queue.sqlite3")
	md := filepath.Join(dir, "out", "merged.md")

	code, out, _ := runCLI(t, "run", "--queue-db", db, "--output-dir", filepath.Join(dir, "output"), "--output-md", md)
	require.Equal(t, exitOK, code)
	assert.Equal(t, "Processed 0 task(s), failed 0 task(s). Merged into "+md+"\n", out)

	data, err := os.ReadFile(md)
	require.NoError(t, err)
	assert.Equal(t, "# OCR Output\n", string(data))
}

func TestResetRequiresYes(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "queue.sqlite3")
	img := filepath.Join(dir, "scan.png")
	require.NoError(t, os.WriteFile(img, []byte("x"), 0o644))
	code, _, _ := runCLI(t, "enqueue", "--queue-db", db, img)
	require.Equal(t, exitOK, code)

	code, out, _ := runCLI(t, "reset", "--queue-db", db)
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "Refusing to reset without --yes.\n", out)

	_, out, _ = runCLI(t, "status", "--queue-db", db)
	assert.Equal(t, "pending: 1\n", out)
}

func TestResetDeletesTasksAndOutputs(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "queue.sqlite3")
	img := filepath.Join(dir, "scan.png")
	require.NoError(t, os.WriteFile(img, []byte("x"), 0o644))
	code, _, _ := runCLI(t, "enqueue", "--queue-db", db, img)
	require.Equal(t, exitOK, code)

	outDir := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "work"), 0o755))
	md := filepath.Join(dir, "output.md")
	require.NoError(t, os.WriteFile(md, []byte("# OCR Output\n"), 0o644))

	code, out, _ := runCLI(t, "reset", "--queue-db", db, "--yes", "--delete-outputs", "--output-dir", outDir, "--output-md", md)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Deleted 1 task(s) from queue.")
	assert.NoDirExists(t, outDir)
	assert.NoFileExists(t, md)
	assert.FileExists(t, img)
}

func TestResetRefusesUnsafeOutputDir(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "queue.sqlite3")

	code, out, _ := runCLI(t, "reset", "--queue-db", db, "--yes", "--delete-outputs", "--output-dir", "/", "--output-md", filepath.Join(dir, "x.md"))
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "Refusing to delete output-dir: unsafe path: /")
}

func TestIsUnsafeDeletionTarget(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"", true},
		{"  ", true},
		{"/", true},
		{".", true},
		{"..", true},
		{"/data/output", false},
		{t.TempDir(), false},
	}
	for _, tt := range tests {
		if got := isUnsafeDeletionTarget(tt.path); got != tt.want {
			t.Fatalf("isUnsafeDeletionTarget(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
