package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Papers ──

func (s *PostgresStore) InsertPaper(ctx context.Context, paper Paper) error {
	authors, err := json.Marshal(orEmpty(paper.Authors))
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}
	keywords, err := json.Marshal(orEmpty(paper.Keywords))
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	pages, err := json.Marshal(orEmpty(paper.Pages))
	if err != nil {
		return fmt.Errorf("marshal pages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO papers (id, filename, file_url, object_key, title, abstract, authors, keywords, pages)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, paper.ID, paper.Filename, paper.FileURL, paper.ObjectKey, paper.Title, paper.Abstract,
		string(authors), string(keywords), string(pages))
	if err != nil {
		return fmt.Errorf("insert paper: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPaper(ctx context.Context, paperID string) (Paper, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, filename, file_url, object_key, title, abstract, authors, keywords, pages, created_at, updated_at
		FROM papers
		WHERE id = $1
	`, paperID)
	return scanPaper(row)
}

func (s *PostgresStore) ListPapers(ctx context.Context) ([]Paper, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, file_url, object_key, title, abstract, authors, keywords, pages, created_at, updated_at
		FROM papers
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	defer rows.Close()

	items := make([]Paper, 0)
	for rows.Next() {
		paper, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, paper)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdatePaperMetadata(ctx context.Context, paperID, title, abstract string, authors, keywords []string) error {
	encodedAuthors, err := json.Marshal(orEmpty(authors))
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}
	encodedKeywords, err := json.Marshal(orEmpty(keywords))
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE papers SET title=$2, abstract=$3, authors=$4, keywords=$5, updated_at=NOW()
		WHERE id=$1
	`, paperID, title, abstract, string(encodedAuthors), string(encodedKeywords))
	if err != nil {
		return fmt.Errorf("update paper metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePaper(ctx context.Context, paperID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM papers WHERE id=$1`, paperID)
	if err != nil {
		return fmt.Errorf("delete paper: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaper(row rowScanner) (Paper, error) {
	var paper Paper
	var authorsRaw, keywordsRaw, pagesRaw []byte
	err := row.Scan(&paper.ID, &paper.Filename, &paper.FileURL, &paper.ObjectKey,
		&paper.Title, &paper.Abstract, &authorsRaw, &keywordsRaw, &pagesRaw,
		&paper.CreatedAt, &paper.UpdatedAt)
	if err != nil {
		return Paper{}, err
	}
	_ = json.Unmarshal(authorsRaw, &paper.Authors)
	_ = json.Unmarshal(keywordsRaw, &paper.Keywords)
	_ = json.Unmarshal(pagesRaw, &paper.Pages)
	return paper, nil
}

// ── Highlights ──

func (s *PostgresStore) InsertHighlight(ctx context.Context, highlight Highlight) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO highlights (id, paper_id, page_index, start_offset, end_offset, raw_text, role)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, highlight.ID, highlight.PaperID, highlight.PageIndex,
		highlight.StartOffset, highlight.EndOffset, highlight.RawText, highlight.Role)
	if err != nil {
		return fmt.Errorf("insert highlight: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHighlightsByPaper(ctx context.Context, paperID string) ([]Highlight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, paper_id, page_index, start_offset, end_offset, raw_text, role, created_at
		FROM highlights
		WHERE paper_id = $1
		ORDER BY created_at
	`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list highlights: %w", err)
	}
	defer rows.Close()

	items := make([]Highlight, 0)
	for rows.Next() {
		var item Highlight
		if err := rows.Scan(&item.ID, &item.PaperID, &item.PageIndex,
			&item.StartOffset, &item.EndOffset, &item.RawText, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteHighlight removes the highlight and clears back-references on
// annotations and comment threads. Dependents are kept, unanchored.
func (s *PostgresStore) DeleteHighlight(ctx context.Context, highlightID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete highlight: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM highlights WHERE id=$1`, highlightID)
	if err != nil {
		return fmt.Errorf("delete highlight: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `UPDATE annotations SET highlight_id=NULL WHERE highlight_id=$1`, highlightID); err != nil {
		return fmt.Errorf("unanchor annotations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE comment_threads SET highlight_id=NULL WHERE highlight_id=$1`, highlightID); err != nil {
		return fmt.Errorf("unanchor threads: %w", err)
	}
	return tx.Commit()
}

// ── Annotations ──

func (s *PostgresStore) InsertAnnotation(ctx context.Context, annotation Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, paper_id, highlight_id, content)
		VALUES ($1, $2, $3, $4)
	`, annotation.ID, annotation.PaperID, annotation.HighlightID, annotation.Content)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAnnotationsByPaper(ctx context.Context, paperID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, paper_id, highlight_id, content, created_at, updated_at
		FROM annotations
		WHERE paper_id = $1
		ORDER BY created_at
	`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		var item Annotation
		if err := rows.Scan(&item.ID, &item.PaperID, &item.HighlightID, &item.Content, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateAnnotation(ctx context.Context, annotationID, content string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE annotations SET content=$2, updated_at=NOW() WHERE id=$1
	`, annotationID, content)
	if err != nil {
		return fmt.Errorf("update annotation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1`, annotationID)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Comment threads ──

func (s *PostgresStore) InsertThread(ctx context.Context, thread CommentThread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_threads (id, paper_id, highlight_id, selected_text, conversation_id)
		VALUES ($1, $2, $3, $4, $5)
	`, thread.ID, thread.PaperID, thread.HighlightID, thread.SelectedText, thread.ConversationID)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListThreadsByPaper(ctx context.Context, paperID string) ([]CommentThread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, paper_id, highlight_id, selected_text, conversation_id, created_at
		FROM comment_threads
		WHERE paper_id = $1
		ORDER BY created_at
	`, paperID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]CommentThread, 0)
	for rows.Next() {
		var item CommentThread
		if err := rows.Scan(&item.ID, &item.PaperID, &item.HighlightID, &item.SelectedText, &item.ConversationID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) SetThreadConversation(ctx context.Context, threadID, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comment_threads SET conversation_id=$2 WHERE id=$1
	`, threadID, conversationID)
	if err != nil {
		return fmt.Errorf("set thread conversation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteThread removes the thread and its chat history.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete thread: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id=$1`, threadID); err != nil {
		return fmt.Errorf("delete thread messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM comment_threads WHERE id=$1`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// ── Conversations and messages ──

func (s *PostgresStore) InsertConversation(ctx context.Context, conversation Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, paper_id, title)
		VALUES ($1, $2, $3)
	`, conversation.ID, conversation.PaperID, conversation.Title)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, paper_id, title, created_at FROM conversations WHERE id = $1
	`, conversationID).Scan(&item.ID, &item.PaperID, &item.Title, &item.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, conversationID, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title=$2 WHERE id=$1
	`, conversationID, title)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertMessage appends a message at the next sequence position in its
// conversation.
func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	references := message.References
	if len(references) == 0 {
		references = nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, thread_id, role, content, "references", sequence)
		VALUES ($1, $2, $3, $4, $5, $6,
			COALESCE((SELECT MAX(sequence) FROM messages WHERE conversation_id=$2), 0) + 1)
	`, message.ID, message.ConversationID, message.ThreadID, message.Role, message.Content, []byte(references))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT id, conversation_id, thread_id, role, content, "references", sequence, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sequence
	`, conversationID)
}

func (s *PostgresStore) ListMessagesByThread(ctx context.Context, threadID string) ([]Message, error) {
	return s.listMessages(ctx, `
		SELECT id, conversation_id, thread_id, role, content, "references", sequence, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY sequence
	`, threadID)
}

func (s *PostgresStore) listMessages(ctx context.Context, query, arg string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		var referencesRaw []byte
		if err := rows.Scan(&item.ID, &item.ConversationID, &item.ThreadID,
			&item.Role, &item.Content, &referencesRaw, &item.Sequence, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(referencesRaw) > 0 {
			item.References = json.RawMessage(referencesRaw)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
