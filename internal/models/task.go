package models

// TaskKind distinguishes whole-image tasks from single PDF page tasks.
type TaskKind string

const (
	KindImage   TaskKind = "image"
	KindPDFPage TaskKind = "pdf_page"
)

// TaskStatus enumerates lifecycle states persisted in the tasks table.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Task is one unit of OCR work: a whole image or one PDF page.
type Task struct {
	ID            int64      `json:"id"`
	Kind          TaskKind   `json:"kind"`
	SourcePath    string     `json:"source_path"`
	PDFPageIndex  *int       `json:"pdf_page_index,omitempty"`
	PDFTotalPages *int       `json:"pdf_total_pages,omitempty"`
	CreatedAt     int64      `json:"created_at"`
	Status        TaskStatus `json:"status"`
	OutputPath    *string    `json:"output_path,omitempty"`
	Error         *string    `json:"error,omitempty"`
}

// HasPageMetadata reports whether both page fields are present.
func (t Task) HasPageMetadata() bool {
	return t.PDFPageIndex != nil && t.PDFTotalPages != nil
}

// NewTask is the write-once part of a task supplied at enqueue time.
type NewTask struct {
	Kind          TaskKind
	SourcePath    string
	PDFPageIndex  *int
	PDFTotalPages *int
	CreatedAt     int64
}
