package textlayer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Resolver maps selections to stable offsets and offsets or free text back to
// document locations. Misses are reported as nil, never as errors: PDF text
// layers frequently fail to extract cleanly.
type Resolver struct {
	pages PageTextProvider
}

func NewResolver(pages PageTextProvider) *Resolver {
	return &Resolver{pages: pages}
}

// ComputeOffsets maps a selection to offsets into its page's extracted text.
// Returns nil when the selection is empty, the page is unknown, or the
// selected text cannot be found on the page even after whitespace
// normalization.
func (r *Resolver) ComputeOffsets(sel Selection) *TextOffset {
	text := strings.TrimSpace(sel.Text)
	if text == "" {
		return nil
	}
	pageText, ok := r.pages.PageText(sel.PageIndex)
	if !ok || pageText == "" {
		return nil
	}

	// Exact match first; the hint picks the occurrence nearest the selection.
	if start := nearestIndex(pageText, text, sel.Hint); start >= 0 {
		return &TextOffset{Start: start, End: start + len(text)}
	}

	// Extracted text and rendered text do not always agree byte for byte;
	// retry with whitespace and ligatures normalized on both sides.
	normPage, offsets := normalize(pageText, false)
	normQuery, _ := normalize(text, false)
	if normQuery == "" {
		return nil
	}
	idx := nearestIndex(normPage, normQuery, mapHint(sel.Hint, offsets))
	if idx < 0 {
		return nil
	}
	return denormalizeRange(pageText, offsets, idx, idx+len(normQuery))
}

// LocateOffsets performs an exact-range lookup of stored offsets against the
// current page text. Returns nil when the offsets no longer fit the page,
// which is the stale-offset case the caller falls back from.
func (r *Resolver) LocateOffsets(pageIndex int, off TextOffset) *Match {
	pageText, ok := r.pages.PageText(pageIndex)
	if !ok {
		return nil
	}
	if off.Start < 0 || off.End <= off.Start || off.End > len(pageText) {
		return nil
	}
	return &Match{
		PageIndex: pageIndex,
		Offset:    off,
		Text:      pageText[off.Start:off.End],
	}
}

// LocateText searches all pages for a free-text query, case-insensitively and
// whitespace-normalized. Ties break on lowest page index, then first
// occurrence within the page. Used for citation clicks and for highlights
// whose stored offsets went stale.
func (r *Resolver) LocateText(query string) *Match {
	normQuery, _ := normalize(query, true)
	if normQuery == "" {
		return nil
	}
	for pageIndex := 0; pageIndex < r.pages.PageCount(); pageIndex++ {
		pageText, ok := r.pages.PageText(pageIndex)
		if !ok || pageText == "" {
			continue
		}
		normPage, offsets := normalize(pageText, true)
		idx := strings.Index(normPage, normQuery)
		if idx < 0 {
			continue
		}
		off := denormalizeRange(pageText, offsets, idx, idx+len(normQuery))
		if off == nil {
			continue
		}
		return &Match{
			PageIndex: pageIndex,
			Offset:    *off,
			Text:      pageText[off.Start:off.End],
		}
	}
	return nil
}

// nearestIndex returns the byte index of the occurrence of needle in haystack
// closest to hint, or the first occurrence when hint is negative.
func nearestIndex(haystack, needle string, hint int) int {
	first := strings.Index(haystack, needle)
	if first < 0 || hint < 0 {
		return first
	}
	best := first
	bestDist := abs(first - hint)
	for from := first; ; {
		next := strings.Index(haystack[from+1:], needle)
		if next < 0 {
			break
		}
		from = from + 1 + next
		if d := abs(from - hint); d < bestDist {
			best, bestDist = from, d
		}
	}
	return best
}

// ligatures maps the typographic ligatures PDF extractors commonly emit to
// their ASCII expansions.
var ligatures = map[rune]string{
	'ﬀ': "ff",
	'ﬁ': "fi",
	'ﬂ': "fl",
	'ﬃ': "ffi",
	'ﬄ': "ffl",
	'’': "'",
	'‘': "'",
	'“': `"`,
	'”': `"`,
}

// normalize collapses whitespace runs to single spaces, expands ligatures and
// optionally folds case. The second return value maps each byte of the
// normalized string back to the byte offset of its source rune in the
// original string. Case is folded rune by rune here, not with strings.ToLower
// on the result: some runes lower to a different byte length (U+0130 for
// one), which would desynchronize the offset map.
func normalize(s string, fold bool) (string, []int) {
	var out strings.Builder
	offsets := make([]int, 0, len(s))
	inSpace := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			if out.Len() == 0 {
				continue // drop leading whitespace
			}
			inSpace = true
			continue
		}
		if inSpace {
			out.WriteByte(' ')
			offsets = append(offsets, i)
			inSpace = false
		}
		if expansion, ok := ligatures[r]; ok {
			out.WriteString(expansion)
			for range expansion {
				offsets = append(offsets, i)
			}
			continue
		}
		if fold {
			r = unicode.ToLower(r)
		}
		out.WriteRune(r)
		for range utf8.RuneLen(r) {
			offsets = append(offsets, i)
		}
	}
	return out.String(), offsets
}

// denormalizeRange converts a [start,end) range in normalized space back to
// original byte offsets, extending the end past the final source rune.
func denormalizeRange(original string, offsets []int, start, end int) *TextOffset {
	if start < 0 || end <= start || end > len(offsets) {
		return nil
	}
	origStart := offsets[start]
	lastByte := offsets[end-1]
	_, width := utf8.DecodeRuneInString(original[lastByte:])
	origEnd := lastByte + width
	if origStart < 0 || origEnd <= origStart || origEnd > len(original) {
		return nil
	}
	return &TextOffset{Start: origStart, End: origEnd}
}

// mapHint translates an original-space hint to normalized space by scanning
// the offset map. Approximate is fine: the hint only breaks ties.
func mapHint(hint int, offsets []int) int {
	if hint < 0 {
		return -1
	}
	for i, orig := range offsets {
		if orig >= hint {
			return i
		}
	}
	return len(offsets) - 1
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
