// Package annotation holds the in-memory highlight and annotation state for
// an open paper session. The session copy is authoritative while the paper is
// open; Postgres writes happen in the background and a failed write never
// rolls back the session.
package annotation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"zhilog/api/internal/store"
	"zhilog/api/internal/textlayer"
	"zhilog/api/internal/util"
)

// ErrNotFound is returned when an id does not exist in the session.
var ErrNotFound = errors.New("not found in session")

const persistTimeout = 10 * time.Second

// Persister is the durable backend the session writes through to.
type Persister interface {
	InsertHighlight(ctx context.Context, highlight store.Highlight) error
	DeleteHighlight(ctx context.Context, highlightID string) error
	InsertAnnotation(ctx context.Context, annotation store.Annotation) error
	UpdateAnnotation(ctx context.Context, annotationID, content string) error
	DeleteAnnotation(ctx context.Context, annotationID string) error
}

// Store is one paper's highlight and annotation session.
type Store struct {
	paperID  string
	resolver *textlayer.Resolver
	persist  Persister

	mu          sync.Mutex
	highlights  []store.Highlight
	annotations []store.Annotation

	// persistTail is the completion signal of the most recently queued durable
	// write; writes run in submission order so a highlight delete cannot be
	// overtaken by an earlier insert that still references it.
	persistMu   sync.Mutex
	persistTail chan struct{}
}

func NewStore(paperID string, resolver *textlayer.Resolver, persist Persister) *Store {
	return &Store{paperID: paperID, resolver: resolver, persist: persist}
}

// Load replaces the session contents with rows read from the durable store.
func (s *Store) Load(highlights []store.Highlight, annotations []store.Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highlights = append([]store.Highlight(nil), highlights...)
	s.annotations = append([]store.Annotation(nil), annotations...)
}

// AddHighlightInput carries a selection from the reader UI. Offsets are
// optional: when absent they are recomputed from the raw text, and a
// selection that cannot be anchored is kept offset-less rather than rejected.
type AddHighlightInput struct {
	PageIndex   int
	StartOffset *int
	EndOffset   *int
	RawText     string
	Role        string
	// Hint is the approximate selection start within the page, -1 if unknown.
	Hint int
}

func (s *Store) AddHighlight(input AddHighlightInput) (store.Highlight, error) {
	if input.RawText == "" {
		return store.Highlight{}, errors.New("highlight text is empty")
	}
	role := input.Role
	if role == "" {
		role = "user"
	}

	highlight := store.Highlight{
		ID:          util.NewID("hl"),
		PaperID:     s.paperID,
		PageIndex:   input.PageIndex,
		StartOffset: input.StartOffset,
		EndOffset:   input.EndOffset,
		RawText:     input.RawText,
		Role:        role,
		CreatedAt:   time.Now().UTC(),
	}

	if !s.offsetsValid(highlight) {
		highlight.StartOffset, highlight.EndOffset = nil, nil
		offset := s.resolver.ComputeOffsets(textlayer.Selection{
			PageIndex: input.PageIndex,
			Text:      input.RawText,
			Hint:      input.Hint,
		})
		if offset != nil {
			start, end := offset.Start, offset.End
			highlight.StartOffset = &start
			highlight.EndOffset = &end
		} else {
			log.Printf("annotation: selection on paper %s page %d could not be anchored, keeping text-only highlight",
				s.paperID, input.PageIndex)
		}
	}

	s.mu.Lock()
	s.highlights = append(s.highlights, highlight)
	s.mu.Unlock()

	s.persistAsync("insert highlight", func(ctx context.Context) error {
		return s.persist.InsertHighlight(ctx, highlight)
	})
	return highlight, nil
}

func (s *Store) offsetsValid(h store.Highlight) bool {
	if h.StartOffset == nil || h.EndOffset == nil {
		return false
	}
	return s.resolver.LocateOffsets(h.PageIndex, textlayer.TextOffset{
		Start: *h.StartOffset,
		End:   *h.EndOffset,
	}) != nil
}

// RemoveHighlight deletes a highlight and clears the back-reference on every
// annotation that pointed at it. The annotations themselves survive.
func (s *Store) RemoveHighlight(highlightID string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.highlights {
		if s.highlights[i].ID == highlightID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.highlights = append(s.highlights[:idx], s.highlights[idx+1:]...)
	for i := range s.annotations {
		if s.annotations[i].HighlightID != nil && *s.annotations[i].HighlightID == highlightID {
			s.annotations[i].HighlightID = nil
		}
	}
	s.mu.Unlock()

	// The durable delete clears remote back-references in the same
	// transaction, matching what happened in the session.
	s.persistAsync("delete highlight", func(ctx context.Context) error {
		return s.persist.DeleteHighlight(ctx, highlightID)
	})
	return nil
}

func (s *Store) GetHighlight(highlightID string) (store.Highlight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.highlights {
		if h.ID == highlightID {
			return h, nil
		}
	}
	return store.Highlight{}, ErrNotFound
}

func (s *Store) Highlights() []store.Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Highlight(nil), s.highlights...)
}

// LocateHighlight finds where a highlight sits in the current text layer.
// Anchored highlights are checked against their stored range first; stale or
// offset-less highlights fall back to free-text search.
func (s *Store) LocateHighlight(highlightID string) (*textlayer.Match, error) {
	highlight, err := s.GetHighlight(highlightID)
	if err != nil {
		return nil, err
	}
	if highlight.StartOffset != nil && highlight.EndOffset != nil {
		match := s.resolver.LocateOffsets(highlight.PageIndex, textlayer.TextOffset{
			Start: *highlight.StartOffset,
			End:   *highlight.EndOffset,
		})
		if match != nil {
			return match, nil
		}
	}
	return s.resolver.LocateText(highlight.RawText), nil
}

func (s *Store) AddAnnotation(highlightID *string, content string) (store.Annotation, error) {
	if content == "" {
		return store.Annotation{}, errors.New("annotation content is empty")
	}
	if highlightID != nil {
		if _, err := s.GetHighlight(*highlightID); err != nil {
			return store.Annotation{}, err
		}
	}

	now := time.Now().UTC()
	annotation := store.Annotation{
		ID:          util.NewID("ann"),
		PaperID:     s.paperID,
		HighlightID: highlightID,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.annotations = append(s.annotations, annotation)
	s.mu.Unlock()

	s.persistAsync("insert annotation", func(ctx context.Context) error {
		return s.persist.InsertAnnotation(ctx, annotation)
	})
	return annotation, nil
}

func (s *Store) UpdateAnnotation(annotationID, content string) (store.Annotation, error) {
	if content == "" {
		return store.Annotation{}, errors.New("annotation content is empty")
	}

	s.mu.Lock()
	var updated *store.Annotation
	for i := range s.annotations {
		if s.annotations[i].ID == annotationID {
			s.annotations[i].Content = content
			s.annotations[i].UpdatedAt = time.Now().UTC()
			copied := s.annotations[i]
			updated = &copied
			break
		}
	}
	s.mu.Unlock()
	if updated == nil {
		return store.Annotation{}, ErrNotFound
	}

	s.persistAsync("update annotation", func(ctx context.Context) error {
		return s.persist.UpdateAnnotation(ctx, annotationID, content)
	})
	return *updated, nil
}

func (s *Store) RemoveAnnotation(annotationID string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.annotations {
		if s.annotations[i].ID == annotationID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		s.annotations = append(s.annotations[:idx], s.annotations[idx+1:]...)
	}
	s.mu.Unlock()
	if idx < 0 {
		return ErrNotFound
	}

	s.persistAsync("delete annotation", func(ctx context.Context) error {
		return s.persist.DeleteAnnotation(ctx, annotationID)
	})
	return nil
}

func (s *Store) Annotations() []store.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Annotation(nil), s.annotations...)
}

// persistAsync queues a durable write behind the previously queued ones.
// Session state has already changed by the time this runs; failures are
// logged and dropped.
func (s *Store) persistAsync(op string, fn func(context.Context) error) {
	if s.persist == nil {
		return
	}
	s.persistMu.Lock()
	prev := s.persistTail
	done := make(chan struct{})
	s.persistTail = done
	s.persistMu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("annotation: %s failed for paper %s: %v", op, s.paperID, err)
		}
	}()
}
