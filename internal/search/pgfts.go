package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across papers, highlights and annotations
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultPaper {
		paperWhere := "p.fts @@ " + tsQuery
		if q.FilterPaperID != "" {
			paperWhere += fmt.Sprintf(" AND p.id = $%d", argN)
			args = append(args, q.FilterPaperID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'paper'::text AS type, p.id, p.title,
				ts_headline('english', coalesce(p.abstract, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS paper_id, 0 AS page_index,
				ts_rank(p.fts, %s) AS rank
			FROM papers p
			WHERE %s`, tsQuery, tsQuery, paperWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultHighlight {
		hlWhere := "h.fts @@ " + tsQuery
		if q.FilterPaperID != "" {
			hlWhere += fmt.Sprintf(" AND h.paper_id = $%d", argN)
			args = append(args, q.FilterPaperID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'highlight'::text AS type, h.id, p.title,
				ts_headline('english', coalesce(h.raw_text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				h.paper_id, h.page_index,
				ts_rank(h.fts, %s) AS rank
			FROM highlights h
			JOIN papers p ON p.id = h.paper_id
			WHERE %s`, tsQuery, tsQuery, hlWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		annWhere := "a.fts @@ " + tsQuery
		if q.FilterPaperID != "" {
			annWhere += fmt.Sprintf(" AND a.paper_id = $%d", argN)
			args = append(args, q.FilterPaperID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'annotation'::text AS type, a.id, p.title,
				ts_headline('english', coalesce(a.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.paper_id, 0 AS page_index,
				ts_rank(a.fts, %s) AS rank
			FROM annotations a
			JOIN papers p ON p.id = a.paper_id
			WHERE %s`, tsQuery, tsQuery, annWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, paper_id, page_index
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PaperID, &r.PageIndex); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PaperRecord, []HighlightRecord, []AnnotationRecord, error) {
	paperRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, abstract, authors::text
		FROM papers
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load papers: %w", err)
	}
	defer paperRows.Close()

	papers := make([]PaperRecord, 0)
	for paperRows.Next() {
		var r PaperRecord
		if err := paperRows.Scan(&r.ID, &r.Title, &r.Abstract, &r.Authors); err != nil {
			return nil, nil, nil, fmt.Errorf("scan paper: %w", err)
		}
		papers = append(papers, r)
	}
	if err := paperRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate papers: %w", err)
	}

	hlRows, err := p.db.QueryContext(ctx, `
		SELECT id, raw_text, paper_id, page_index
		FROM highlights
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load highlights: %w", err)
	}
	defer hlRows.Close()

	highlights := make([]HighlightRecord, 0)
	for hlRows.Next() {
		var r HighlightRecord
		if err := hlRows.Scan(&r.ID, &r.RawText, &r.PaperID, &r.PageIndex); err != nil {
			return nil, nil, nil, fmt.Errorf("scan highlight: %w", err)
		}
		highlights = append(highlights, r)
	}
	if err := hlRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate highlights: %w", err)
	}

	annRows, err := p.db.QueryContext(ctx, `
		SELECT id, content, paper_id
		FROM annotations
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annRows.Next() {
		var r AnnotationRecord
		if err := annRows.Scan(&r.ID, &r.Content, &r.PaperID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, r)
	}
	if err := annRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}

	return papers, highlights, annotations, nil
}
