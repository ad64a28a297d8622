// Package search provides full-text search over papers, highlights and
// annotations. Meilisearch is the primary engine; PostgreSQL FTS serves as
// the fallback when it is down.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPaper      ResultType = "paper"
	ResultHighlight  ResultType = "highlight"
	ResultAnnotation ResultType = "annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	PaperID   string     `json:"paperId"`
	PageIndex int        `json:"pageIndex,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterPaperID string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PaperRecord is the data we index for a paper.
type PaperRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Authors  string `json:"authors"`
}

// HighlightRecord is the data we index for a highlight.
type HighlightRecord struct {
	ID        string `json:"id"`
	RawText   string `json:"rawText"`
	PaperID   string `json:"paperId"`
	PageIndex int    `json:"pageIndex"`
}

// AnnotationRecord is the data we index for an annotation.
type AnnotationRecord struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	PaperID string `json:"paperId"`
}
