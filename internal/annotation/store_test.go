package annotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"zhilog/api/internal/store"
	"zhilog/api/internal/textlayer"
)

var testPages = textlayer.StaticPages{
	"Abstract. We propose a new attention mechanism for long documents.",
	"The attention mechanism scales linearly. The attention mechanism is cheap.",
}

// fakePersister records durable writes on a channel so tests can wait for the
// background persistence goroutines.
type fakePersister struct {
	ops  chan string
	fail bool
}

func newFakePersister() *fakePersister {
	return &fakePersister{ops: make(chan string, 16)}
}

func (f *fakePersister) record(op string) error {
	f.ops <- op
	if f.fail {
		return errors.New("backend down")
	}
	return nil
}

func (f *fakePersister) InsertHighlight(_ context.Context, _ store.Highlight) error {
	return f.record("insert highlight")
}
func (f *fakePersister) DeleteHighlight(_ context.Context, _ string) error {
	return f.record("delete highlight")
}
func (f *fakePersister) InsertAnnotation(_ context.Context, _ store.Annotation) error {
	return f.record("insert annotation")
}
func (f *fakePersister) UpdateAnnotation(_ context.Context, _, _ string) error {
	return f.record("update annotation")
}
func (f *fakePersister) DeleteAnnotation(_ context.Context, _ string) error {
	return f.record("delete annotation")
}

func (f *fakePersister) waitFor(t *testing.T, op string) {
	t.Helper()
	select {
	case got := <-f.ops:
		if got != op {
			t.Fatalf("persisted %q, want %q", got, op)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q persist", op)
	}
}

func newTestStore(persist Persister) *Store {
	return NewStore("paper_1", textlayer.NewResolver(testPages), persist)
}

func TestAddHighlightComputesMissingOffsets(t *testing.T) {
	persist := newFakePersister()
	s := newTestStore(persist)

	h, err := s.AddHighlight(AddHighlightInput{
		PageIndex: 0,
		RawText:   "attention mechanism",
		Hint:      -1,
	})
	if err != nil {
		t.Fatalf("AddHighlight failed: %v", err)
	}
	if h.StartOffset == nil || h.EndOffset == nil {
		t.Fatal("expected computed offsets")
	}
	page, _ := testPages.PageText(0)
	if got := page[*h.StartOffset:*h.EndOffset]; got != "attention mechanism" {
		t.Errorf("offsets select %q", got)
	}
	persist.waitFor(t, "insert highlight")
}

func TestAddHighlightKeepsUnanchorableSelection(t *testing.T) {
	s := newTestStore(newFakePersister())

	h, err := s.AddHighlight(AddHighlightInput{
		PageIndex: 0,
		RawText:   "text that appears nowhere in the paper",
		Hint:      -1,
	})
	if err != nil {
		t.Fatalf("AddHighlight failed: %v", err)
	}
	if h.StartOffset != nil || h.EndOffset != nil {
		t.Error("expected an offset-less highlight, not a rejection")
	}
	if len(s.Highlights()) != 1 {
		t.Error("highlight missing from session")
	}
}

func TestAddHighlightRecomputesStaleOffsets(t *testing.T) {
	s := newTestStore(newFakePersister())

	start, end := 5000, 5010
	h, err := s.AddHighlight(AddHighlightInput{
		PageIndex:   0,
		StartOffset: &start,
		EndOffset:   &end,
		RawText:     "attention mechanism",
		Hint:        -1,
	})
	if err != nil {
		t.Fatalf("AddHighlight failed: %v", err)
	}
	if h.StartOffset == nil || *h.StartOffset == 5000 {
		t.Error("out-of-range offsets should have been recomputed")
	}
}

func TestRemoveHighlightClearsAnnotationReferences(t *testing.T) {
	persist := newFakePersister()
	s := newTestStore(persist)

	h, _ := s.AddHighlight(AddHighlightInput{PageIndex: 0, RawText: "attention mechanism", Hint: -1})
	persist.waitFor(t, "insert highlight")

	if _, err := s.AddAnnotation(&h.ID, "important result"); err != nil {
		t.Fatalf("AddAnnotation failed: %v", err)
	}
	if _, err := s.AddAnnotation(nil, "general note"); err != nil {
		t.Fatalf("AddAnnotation failed: %v", err)
	}
	persist.waitFor(t, "insert annotation")
	persist.waitFor(t, "insert annotation")

	if err := s.RemoveHighlight(h.ID); err != nil {
		t.Fatalf("RemoveHighlight failed: %v", err)
	}
	persist.waitFor(t, "delete highlight")

	if len(s.Highlights()) != 0 {
		t.Error("highlight still in session")
	}
	annotations := s.Annotations()
	if len(annotations) != 2 {
		t.Fatalf("annotations deleted by cascade: %d left", len(annotations))
	}
	for _, a := range annotations {
		if a.HighlightID != nil {
			t.Errorf("annotation %s still references deleted highlight", a.ID)
		}
	}
}

func TestRemoveHighlightUnknownID(t *testing.T) {
	s := newTestStore(newFakePersister())
	if err := s.RemoveHighlight("hl_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddAnnotationRejectsUnknownHighlight(t *testing.T) {
	s := newTestStore(newFakePersister())
	missing := "hl_missing"
	if _, err := s.AddAnnotation(&missing, "note"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAndRemoveAnnotation(t *testing.T) {
	persist := newFakePersister()
	s := newTestStore(persist)

	a, _ := s.AddAnnotation(nil, "first draft")
	persist.waitFor(t, "insert annotation")

	updated, err := s.UpdateAnnotation(a.ID, "second draft")
	if err != nil {
		t.Fatalf("UpdateAnnotation failed: %v", err)
	}
	if updated.Content != "second draft" {
		t.Errorf("content = %q", updated.Content)
	}
	persist.waitFor(t, "update annotation")

	if err := s.RemoveAnnotation(a.ID); err != nil {
		t.Fatalf("RemoveAnnotation failed: %v", err)
	}
	persist.waitFor(t, "delete annotation")
	if len(s.Annotations()) != 0 {
		t.Error("annotation still in session")
	}
}

func TestSessionSurvivesPersistFailure(t *testing.T) {
	persist := newFakePersister()
	persist.fail = true
	s := newTestStore(persist)

	h, err := s.AddHighlight(AddHighlightInput{PageIndex: 0, RawText: "attention mechanism", Hint: -1})
	if err != nil {
		t.Fatalf("AddHighlight failed: %v", err)
	}
	persist.waitFor(t, "insert highlight")

	if _, err := s.GetHighlight(h.ID); err != nil {
		t.Errorf("highlight lost after persist failure: %v", err)
	}
}

func TestLocateHighlightFallsBackToFreeText(t *testing.T) {
	s := newTestStore(newFakePersister())

	h, _ := s.AddHighlight(AddHighlightInput{PageIndex: 1, RawText: "scales linearly", Hint: -1})

	match, err := s.LocateHighlight(h.ID)
	if err != nil {
		t.Fatalf("LocateHighlight failed: %v", err)
	}
	if match == nil || match.PageIndex != 1 {
		t.Fatalf("match = %+v", match)
	}

	// Simulate a stale anchor by pointing the offsets past the page end.
	s.mu.Lock()
	bogus := 9000
	s.highlights[0].StartOffset = &bogus
	end := 9010
	s.highlights[0].EndOffset = &end
	s.mu.Unlock()

	match, err = s.LocateHighlight(h.ID)
	if err != nil {
		t.Fatalf("LocateHighlight failed: %v", err)
	}
	if match == nil || match.Text != "scales linearly" {
		t.Errorf("free-text fallback match = %+v", match)
	}
}
