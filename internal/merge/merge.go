// Package merge assembles per-task Markdown artifacts into one document.
package merge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"ocr-agent/internal/models"
	"ocr-agent/internal/telemetry"
)

const Title = "# OCR Output"

// Result counts what a merge emitted.
type Result struct {
	Sections int
	Skipped  int
}

type Merger struct {
	mode   Mode
	logger *zap.Logger
}

func NewMerger(mode Mode, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{mode: mode, logger: logger}
}

// Merge writes one section per task with a usable artifact, in the order
// given. Tasks without an output path, with a missing artifact, or with
// blank content are skipped.
func (m *Merger) Merge(tasks []models.Task, dest string) (Result, error) {
	var res Result
	lines := []string{Title, ""}

	for _, task := range tasks {
		content, ok, err := readArtifact(task)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Skipped++
			continue
		}
		body := strings.TrimLeft(strings.TrimRight(Transform(content, m.mode), " \t\r\n"), "\r\n")
		lines = append(lines, Header(task), "", body, "", "---", "")
		res.Sections++
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return res, fmt.Errorf("create merge dir: %w", err)
	}
	doc := strings.TrimRight(strings.Join(lines, "\n"), " \t\r\n") + "\n"
	if err := os.WriteFile(dest, []byte(doc), 0o644); err != nil {
		return res, fmt.Errorf("write merged document: %w", err)
	}

	telemetry.MergeSections.Set(float64(res.Sections))
	m.logger.Info("merged document written",
		zap.String("path", dest),
		zap.Int("sections", res.Sections),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

// Header renders the section heading for a task.
func Header(task models.Task) string {
	if task.Kind == models.KindPDFPage && task.HasPageMetadata() {
		return fmt.Sprintf("## %s (page %d/%d)", task.SourcePath, *task.PDFPageIndex+1, *task.PDFTotalPages)
	}
	return "## " + task.SourcePath
}

func readArtifact(task models.Task) (string, bool, error) {
	if task.OutputPath == nil || *task.OutputPath == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(*task.OutputPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read artifact for task %d: %w", task.ID, err)
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return "", false, nil
	}
	return content, true, nil
}
