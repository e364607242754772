package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
	_ "golang.org/x/image/webp"

	"ocr-agent/internal/taskerr"
)

const (
	savedInputName  = "input.png"
	savedResultName = "result.mmd"
)

// Engine turns one PNG-encoded page image into text.
type Engine interface {
	Recognize(ctx context.Context, png []byte) (string, error)
}

// TesseractEngine runs OCR through gosseract.
type TesseractEngine struct {
	languages []string
}

func NewTesseractEngine(languages []string) *TesseractEngine {
	return &TesseractEngine{languages: languages}
}

func (e *TesseractEngine) Recognize(ctx context.Context, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := gosseract.NewClient()
	defer c.Close()

	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return text, nil
}

// OCROptions tune the preprocessing done before recognition. SaveResults
// keeps the preprocessed image and the raw result in the task scratch dir.
type OCROptions struct {
	MaxImageSide int
	Grayscale    bool
	SaveResults  bool
}

// OCRProducer prepares an image with imaging and hands it to an Engine.
type OCRProducer struct {
	engine Engine
	opts   OCROptions
}

func NewOCRProducer(engine Engine, opts OCROptions) *OCRProducer {
	return &OCRProducer{engine: engine, opts: opts}
}

// RenderMarkdown returns the recognized text for imagePath.
func (p *OCRProducer) RenderMarkdown(ctx context.Context, imagePath, scratchDir string) (string, error) {
	if _, err := os.Stat(imagePath); errors.Is(err, fs.ErrNotExist) {
		return "", &taskerr.NotFoundError{Path: imagePath}
	}

	img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
	if err != nil {
		return "", &taskerr.ProducerError{Stage: "decode image", Err: err}
	}
	img = p.prepare(img)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", &taskerr.ProducerError{Stage: "encode image", Err: err}
	}

	text, err := p.engine.Recognize(ctx, buf.Bytes())
	if err != nil {
		return "", &taskerr.ProducerError{Stage: "ocr", Err: err}
	}
	text = strings.ToValidUTF8(text, "�")

	if p.opts.SaveResults {
		if err := saveResults(scratchDir, buf.Bytes(), text); err != nil {
			return "", &taskerr.ProducerError{Stage: "save results", Err: err}
		}
	}
	return text, nil
}

func (p *OCRProducer) prepare(img image.Image) image.Image {
	if p.opts.Grayscale {
		img = imaging.Grayscale(img)
	}
	if side := p.opts.MaxImageSide; side > 0 {
		b := img.Bounds()
		if b.Dx() > side || b.Dy() > side {
			img = imaging.Fit(img, side, side, imaging.Lanczos)
		}
	}
	return img
}

func saveResults(dir string, png []byte, text string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, savedInputName), png, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, savedResultName), []byte(text), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
