package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPaper indexes a paper (fire-and-forget to Meilisearch).
func (s *Service) IndexPaper(p PaperRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPaper(p); err != nil {
			log.Printf("search: index paper %s: %v", p.ID, err)
		}
	}()
}

// IndexHighlight indexes a highlight (fire-and-forget to Meilisearch).
func (s *Service) IndexHighlight(h HighlightRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexHighlight(h); err != nil {
			log.Printf("search: index highlight %s: %v", h.ID, err)
		}
	}()
}

// IndexAnnotation indexes an annotation (fire-and-forget to Meilisearch).
func (s *Service) IndexAnnotation(a AnnotationRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexAnnotation(a); err != nil {
			log.Printf("search: index annotation %s: %v", a.ID, err)
		}
	}()
}

// DeletePaper removes a paper from the search index (fire-and-forget).
func (s *Service) DeletePaper(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePaper(id); err != nil {
			log.Printf("search: delete paper %s: %v", id, err)
		}
	}()
}

// DeleteHighlight removes a highlight from the search index (fire-and-forget).
func (s *Service) DeleteHighlight(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteHighlight(id); err != nil {
			log.Printf("search: delete highlight %s: %v", id, err)
		}
	}()
}

// DeleteAnnotation removes an annotation from the search index (fire-and-forget).
func (s *Service) DeleteAnnotation(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAnnotation(id); err != nil {
			log.Printf("search: delete annotation %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the given records to Meilisearch.
func (s *Service) ReindexAll(papers []PaperRecord, highlights []HighlightRecord, annotations []AnnotationRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(papers) > 0 {
		if err := s.meili.IndexPapers(papers); err != nil {
			log.Printf("search: reindex papers: %v", err)
		}
	}
	if len(highlights) > 0 {
		if err := s.meili.IndexHighlights(highlights); err != nil {
			log.Printf("search: reindex highlights: %v", err)
		}
	}
	if len(annotations) > 0 {
		if err := s.meili.IndexAnnotations(annotations); err != nil {
			log.Printf("search: reindex annotations: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	papers, highlights, annotations, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(papers, highlights, annotations)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
