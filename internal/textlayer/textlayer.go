package textlayer

// TextOffset is a half-open character range into a page's extracted text.
type TextOffset struct {
	Start int `json:"startOffset"`
	End   int `json:"endOffset"`
}

// Selection describes a user text selection inside one page's text layer.
// Hint is the approximate character position the selection started at, or -1
// when unknown; it disambiguates repeated occurrences of the same text.
type Selection struct {
	PageIndex int
	Text      string
	Hint      int
}

// Match locates a span of text inside the document.
type Match struct {
	PageIndex int        `json:"pageIndex"`
	Offset    TextOffset `json:"offset"`
	Text      string     `json:"text"`
}

// PageTextProvider abstracts the rendered text layer so offset resolution can
// run against extracted page text without a renderer.
type PageTextProvider interface {
	PageText(pageIndex int) (string, bool)
	PageCount() int
}

// StaticPages is a PageTextProvider over a fixed slice of page texts.
type StaticPages []string

func (p StaticPages) PageText(pageIndex int) (string, bool) {
	if pageIndex < 0 || pageIndex >= len(p) {
		return "", false
	}
	return p[pageIndex], true
}

func (p StaticPages) PageCount() int {
	return len(p)
}
