// Package taskerr holds the task-local failures recorded on a Failed task.
// None of them abort a drain unless fail-fast is set.
package taskerr

import "fmt"

// NotFoundError reports a source image or PDF missing at processing time.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("source not found: %s", e.Path)
}

// RangeError reports a PDF page index that is negative or past the last page.
type RangeError struct {
	Path       string
	PageIndex  int
	TotalPages int
}

func (e *RangeError) Error() string {
	if e.PageIndex < 0 {
		return fmt.Sprintf("pdf page index must be >= 0, got %d (%s)", e.PageIndex, e.Path)
	}
	return fmt.Sprintf("pdf page index %d out of range for %d page(s) (%s)", e.PageIndex, e.TotalPages, e.Path)
}

// ProducerError wraps any failure raised by the rendering or OCR collaborator.
type ProducerError struct {
	Stage string
	Err   error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ProducerError) Unwrap() error { return e.Err }
