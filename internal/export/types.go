// Package export renders a paper's reading session (highlights, notes and
// thread transcripts) into downloadable PDF or DOCX reports.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation.
type Request struct {
	PaperID        string
	Format         Format
	IncludeThreads bool
}

// Report is the assembled session content to render.
type Report struct {
	Title      string
	Authors    string
	Abstract   string
	ExportedAt time.Time
	Highlights []ReportHighlight
	Notes      []ReportNote
	Threads    []ReportThread
}

// ReportHighlight is one highlighted passage.
type ReportHighlight struct {
	PageNumber int // 1-based for display
	Text       string
}

// ReportNote is one annotation, with the highlighted text it was attached to
// when that link still exists.
type ReportNote struct {
	Content         string
	HighlightedText string
}

// ReportThread is one comment thread transcript.
type ReportThread struct {
	SelectedText string
	Messages     []ReportMessage
}

// ReportMessage is one turn in a thread transcript.
type ReportMessage struct {
	Role    string
	Content string
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
