package merge

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var renderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts the merged Markdown at markdownPath into a standalone
// HTML page at htmlPath.
func RenderHTML(markdownPath, htmlPath string) error {
	src, err := os.ReadFile(markdownPath)
	if err != nil {
		return fmt.Errorf("read merged document: %w", err)
	}
	var body bytes.Buffer
	if err := renderer.Convert(src, &body); err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>OCR Output</title>\n</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")

	if err := os.MkdirAll(filepath.Dir(htmlPath), 0o755); err != nil {
		return fmt.Errorf("create html dir: %w", err)
	}
	if err := os.WriteFile(htmlPath, page.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}
