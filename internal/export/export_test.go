package export

import (
	"strings"
	"testing"
	"time"
)

func TestRenderReportHTML(t *testing.T) {
	report := Report{
		Title:      "Attention Is All You Need",
		Authors:    "Vaswani et al.",
		Abstract:   "We propose the Transformer.",
		ExportedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Highlights: []ReportHighlight{
			{PageNumber: 3, Text: "scaled dot-product attention"},
		},
		Notes: []ReportNote{
			{Content: "compare with RNN baselines", HighlightedText: "scaled dot-product attention"},
		},
		Threads: []ReportThread{
			{
				SelectedText: "multi-head attention",
				Messages: []ReportMessage{
					{Role: "user", Content: "why multiple heads?"},
					{Role: "assistant", Content: "Each head attends to\ndifferent subspaces."},
				},
			},
		},
	}

	html, err := RenderReportHTML(report)
	if err != nil {
		t.Fatalf("RenderReportHTML failed: %v", err)
	}

	for _, want := range []string{
		"Attention Is All You Need",
		"Vaswani et al.",
		"Page 3",
		"scaled dot-product attention",
		"compare with RNN baselines",
		"multi-head attention",
		"different subspaces.",
		"Mar", // exported date rendered
	} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}

	// Multi-line message content becomes <br>, not raw newtags.
	if !strings.Contains(html, "attends to<br>different") {
		t.Error("newlines in message content not converted")
	}
}

func TestRenderReportEscapesHTML(t *testing.T) {
	report := Report{
		Title: "Paper",
		Notes: []ReportNote{{Content: "<script>alert(1)</script>"}},
	}

	html, err := RenderReportHTML(report)
	if err != nil {
		t.Fatalf("RenderReportHTML failed: %v", err)
	}
	if strings.Contains(html, "<script>alert") {
		t.Error("note content not escaped")
	}
}

func TestExportSkipsThreadsWhenNotRequested(t *testing.T) {
	report := Report{
		Title:   "Paper",
		Threads: []ReportThread{{SelectedText: "secret discussion"}},
	}
	if !strings.Contains(mustRender(t, report), "secret discussion") {
		t.Fatal("sanity: threads should render when present")
	}

	req := Request{Format: Format("unsupported"), IncludeThreads: false}
	if _, err := NewService().Export(req, report); err == nil {
		t.Error("unsupported format should error")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Paper v1.2", "My-Paper-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "annotated-paper"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.input); got != tt.expected {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func mustRender(t *testing.T, report Report) string {
	t.Helper()
	html, err := RenderReportHTML(report)
	if err != nil {
		t.Fatalf("RenderReportHTML failed: %v", err)
	}
	return html
}
