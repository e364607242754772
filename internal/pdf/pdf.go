// Package pdf counts PDF pages and rasterizes single pages for OCR.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"ocr-agent/internal/taskerr"
)

const DefaultDPI = 200

// PageCount returns the number of pages in the PDF at path.
func PageCount(path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return 0, &taskerr.NotFoundError{Path: path}
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("count pages of %s: %w", path, err)
	}
	return n, nil
}

// PopplerRenderer rasterizes pages with poppler's pdftoppm.
type PopplerRenderer struct {
	Binary string
	DPI    int
}

func NewPopplerRenderer(binary string, dpi int) *PopplerRenderer {
	if binary == "" {
		binary = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &PopplerRenderer{Binary: binary, DPI: dpi}
}

// RenderPage writes page pageIndex (0-based) of pdfPath to dest as PNG.
func (r *PopplerRenderer) RenderPage(ctx context.Context, pdfPath string, pageIndex int, dest string) error {
	total, err := PageCount(pdfPath)
	if err != nil {
		return err
	}
	if pageIndex < 0 || pageIndex >= total {
		return &taskerr.RangeError{Path: pdfPath, PageIndex: pageIndex, TotalPages: total}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create render dir: %w", err)
	}

	// pdftoppm appends the extension itself.
	prefix := strings.TrimSuffix(dest, filepath.Ext(dest))
	page := strconv.Itoa(pageIndex + 1)
	cmd := exec.CommandContext(ctx, r.Binary,
		"-png", "-singlefile",
		"-r", strconv.Itoa(r.DPI),
		"-f", page, "-l", page,
		pdfPath, prefix,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pdftoppm page %s of %s: %w: %s", page, pdfPath, err, strings.TrimSpace(stderr.String()))
	}
	if prefix+".png" != dest {
		if err := os.Rename(prefix+".png", dest); err != nil {
			return fmt.Errorf("move rendered page: %w", err)
		}
	}
	return nil
}
