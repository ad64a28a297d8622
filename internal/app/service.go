package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"zhilog/api/internal/annotation"
	"zhilog/api/internal/export"
	"zhilog/api/internal/llm"
	"zhilog/api/internal/pdftext"
	"zhilog/api/internal/search"
	"zhilog/api/internal/store"
	"zhilog/api/internal/streamproto"
	"zhilog/api/internal/textlayer"
	"zhilog/api/internal/thread"
	"zhilog/api/internal/util"
)

// dataStore is the durable backend the service talks to. *store.PostgresStore
// satisfies it; tests substitute a fake.
type dataStore interface {
	Ping(ctx context.Context) error

	InsertPaper(ctx context.Context, paper store.Paper) error
	GetPaper(ctx context.Context, paperID string) (store.Paper, error)
	ListPapers(ctx context.Context) ([]store.Paper, error)
	UpdatePaperMetadata(ctx context.Context, paperID, title, abstract string, authors, keywords []string) error
	DeletePaper(ctx context.Context, paperID string) error

	ListHighlightsByPaper(ctx context.Context, paperID string) ([]store.Highlight, error)
	ListAnnotationsByPaper(ctx context.Context, paperID string) ([]store.Annotation, error)

	GetConversation(ctx context.Context, conversationID string) (store.Conversation, error)
	UpdateConversationTitle(ctx context.Context, conversationID, title string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	ListMessagesByConversation(ctx context.Context, conversationID string) ([]store.Message, error)

	annotation.Persister
	thread.Store
}

// objectStore holds the uploaded paper binaries. Nil when object storage is
// not configured; papers then live only in Postgres.
type objectStore interface {
	UploadPDF(ctx context.Context, filename string, data []byte) (string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// snapshotCache is the best-effort per-paper thread snapshot store.
type snapshotCache interface {
	thread.Snapshots
	DeleteThreads(ctx context.Context, paperID string) error
}

// session is the in-memory working state of one open paper.
type session struct {
	paper       store.Paper
	resolver    *textlayer.Resolver
	annotations *annotation.Store
	threads     *thread.Reconciler
}

// Service implements the application logic over the durable store and the
// per-paper sessions.
type Service struct {
	store       dataStore
	search      *search.Service
	objects     objectStore
	exporter    *export.Service
	streamer    llm.Streamer
	snapshots   snapshotCache
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// Deps carries the service dependencies. search, objects, streamer and
// snapshots may be nil.
type Deps struct {
	Store       dataStore
	Search      *search.Service
	Objects     objectStore
	Exporter    *export.Service
	Streamer    llm.Streamer
	Snapshots   snapshotCache
	IdleTimeout time.Duration
}

func NewService(deps Deps) *Service {
	exporter := deps.Exporter
	if exporter == nil {
		exporter = export.NewService()
	}
	return &Service{
		store:       deps.Store,
		search:      deps.Search,
		objects:     deps.Objects,
		exporter:    exporter,
		streamer:    deps.Streamer,
		snapshots:   deps.Snapshots,
		idleTimeout: deps.IdleTimeout,
		sessions:    make(map[string]*session),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// session returns the open session for a paper, loading it on first use.
func (s *Service) session(ctx context.Context, paperID string) (*session, error) {
	s.mu.Lock()
	if sess, ok := s.sessions[paperID]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	paper, err := s.store.GetPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}

	resolver := textlayer.NewResolver(textlayer.StaticPages(paper.Pages))
	annotations := annotation.NewStore(paperID, resolver, s.store)

	highlights, err := s.store.ListHighlightsByPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	notes, err := s.store.ListAnnotationsByPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	annotations.Load(highlights, notes)

	var snaps thread.Snapshots
	if s.snapshots != nil {
		snaps = s.snapshots
	}
	threads := thread.NewReconciler(paperID, resolver, s.streamer, s.store, snaps, s.idleTimeout)
	if err := threads.Load(ctx); err != nil {
		return nil, err
	}

	sess := &session{
		paper:       paper,
		resolver:    resolver,
		annotations: annotations,
		threads:     threads,
	}

	s.mu.Lock()
	// Another request may have opened the session while we were loading.
	if existing, ok := s.sessions[paperID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.sessions[paperID] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *Service) closeSession(paperID string) {
	s.mu.Lock()
	delete(s.sessions, paperID)
	s.mu.Unlock()
}

// Papers

// UploadPaper stores a PDF, extracts its page text and registers the paper.
func (s *Service) UploadPaper(ctx context.Context, filename string, data []byte) (store.Paper, error) {
	if len(data) == 0 {
		return store.Paper{}, domainError(http.StatusBadRequest, "EMPTY_FILE", "Uploaded file is empty", nil)
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return store.Paper{}, domainError(http.StatusBadRequest, "NOT_A_PDF", "Only PDF uploads are supported", nil)
	}

	pages, err := pdftext.ExtractPagesFromBytes(data)
	if err != nil {
		return store.Paper{}, domainError(http.StatusUnprocessableEntity, "EXTRACTION_FAILED", "Could not read the PDF", err.Error())
	}

	paper := store.Paper{
		ID:        util.NewID("paper"),
		Filename:  filename,
		Title:     titleFromPages(filename, pages),
		Pages:     pages,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if s.objects != nil {
		key, err := s.objects.UploadPDF(ctx, filename, data)
		if err != nil {
			return store.Paper{}, domainError(http.StatusBadGateway, "STORAGE_FAILED", "Could not store the PDF", err.Error())
		}
		paper.ObjectKey = key
		if url, err := s.objects.PresignedURL(ctx, key, 24*time.Hour); err == nil {
			paper.FileURL = url
		} else {
			log.Printf("app: presigning %s failed: %v", key, err)
		}
	}

	if err := s.store.InsertPaper(ctx, paper); err != nil {
		return store.Paper{}, err
	}

	if s.search != nil {
		s.search.IndexPaper(search.PaperRecord{
			ID:       paper.ID,
			Title:    paper.Title,
			Abstract: paper.Abstract,
			Authors:  strings.Join(paper.Authors, ", "),
		})
	}
	return paper, nil
}

// titleFromPages guesses a title from the first page, falling back to the
// filename.
func titleFromPages(filename string, pages []string) string {
	if len(pages) > 0 {
		for _, line := range strings.Split(pages[0], "\n") {
			line = strings.TrimSpace(line)
			if len(line) >= 10 && len(line) <= 200 {
				return line
			}
		}
	}
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *Service) GetPaper(ctx context.Context, paperID string) (store.Paper, error) {
	return s.store.GetPaper(ctx, paperID)
}

func (s *Service) ListPapers(ctx context.Context) ([]store.Paper, error) {
	return s.store.ListPapers(ctx)
}

func (s *Service) UpdatePaperMetadata(ctx context.Context, paperID, title, abstract string, authors, keywords []string) error {
	if strings.TrimSpace(title) == "" {
		return domainError(http.StatusBadRequest, "INVALID_TITLE", "Title must not be empty", nil)
	}
	if err := s.store.UpdatePaperMetadata(ctx, paperID, title, abstract, authors, keywords); err != nil {
		return err
	}
	if s.search != nil {
		s.search.IndexPaper(search.PaperRecord{
			ID:       paperID,
			Title:    title,
			Abstract: abstract,
			Authors:  strings.Join(authors, ", "),
		})
	}
	s.closeSession(paperID)
	return nil
}

func (s *Service) DeletePaper(ctx context.Context, paperID string) error {
	paper, err := s.store.GetPaper(ctx, paperID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePaper(ctx, paperID); err != nil {
		return err
	}
	s.closeSession(paperID)

	if s.objects != nil && paper.ObjectKey != "" {
		if err := s.objects.Delete(ctx, paper.ObjectKey); err != nil {
			log.Printf("app: deleting object %s failed: %v", paper.ObjectKey, err)
		}
	}
	if s.snapshots != nil {
		if err := s.snapshots.DeleteThreads(ctx, paperID); err != nil {
			log.Printf("app: deleting thread snapshot for %s failed: %v", paperID, err)
		}
	}
	if s.search != nil {
		s.search.DeletePaper(paperID)
	}
	return nil
}

// PaperFile returns the stored PDF bytes and the original filename.
func (s *Service) PaperFile(ctx context.Context, paperID string) ([]byte, string, error) {
	paper, err := s.store.GetPaper(ctx, paperID)
	if err != nil {
		return nil, "", err
	}
	if s.objects == nil || paper.ObjectKey == "" {
		return nil, "", domainError(http.StatusNotFound, "FILE_UNAVAILABLE", "Paper file is not stored", nil)
	}
	data, err := s.objects.Fetch(ctx, paper.ObjectKey)
	if err != nil {
		return nil, "", domainError(http.StatusBadGateway, "STORAGE_FAILED", "Could not fetch the PDF", err.Error())
	}
	return data, paper.Filename, nil
}

// Text layer

// ComputeOffsets anchors a selection to offsets in the extracted page text.
// A selection that cannot be anchored returns nil, not an error.
func (s *Service) ComputeOffsets(ctx context.Context, paperID string, sel textlayer.Selection) (*textlayer.TextOffset, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return sess.resolver.ComputeOffsets(sel), nil
}

// LocateText searches the paper for free text, as used by citation clicks.
func (s *Service) LocateText(ctx context.Context, paperID, query string) (*textlayer.Match, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return sess.resolver.LocateText(query), nil
}

// Highlights

func (s *Service) ListHighlights(ctx context.Context, paperID string) ([]store.Highlight, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return sess.annotations.Highlights(), nil
}

func (s *Service) AddHighlight(ctx context.Context, paperID string, input annotation.AddHighlightInput) (store.Highlight, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return store.Highlight{}, err
	}
	highlight, err := sess.annotations.AddHighlight(input)
	if err != nil {
		return store.Highlight{}, domainError(http.StatusBadRequest, "INVALID_HIGHLIGHT", err.Error(), nil)
	}
	if s.search != nil {
		s.search.IndexHighlight(search.HighlightRecord{
			ID:        highlight.ID,
			RawText:   highlight.RawText,
			PaperID:   paperID,
			PageIndex: highlight.PageIndex,
		})
	}
	return highlight, nil
}

// RemoveHighlight deletes a highlight and clears its back-references on
// annotations and threads. The annotations and threads survive. Highlights
// created by the assistant cannot be removed.
func (s *Service) RemoveHighlight(ctx context.Context, paperID, highlightID string) error {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return err
	}
	highlight, err := sess.annotations.GetHighlight(highlightID)
	if err != nil {
		return err
	}
	if highlight.Role == "assistant" {
		return domainError(http.StatusForbidden, "PROTECTED_HIGHLIGHT", "Assistant highlights cannot be removed", nil)
	}
	if err := sess.annotations.RemoveHighlight(highlightID); err != nil {
		return err
	}
	sess.threads.DetachHighlight(highlightID)
	if s.search != nil {
		s.search.DeleteHighlight(highlightID)
	}
	return nil
}

// LocateHighlight finds where a highlight sits in the current text layer.
func (s *Service) LocateHighlight(ctx context.Context, paperID, highlightID string) (*textlayer.Match, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return sess.annotations.LocateHighlight(highlightID)
}

// Annotations

func (s *Service) ListAnnotations(ctx context.Context, paperID string) ([]store.Annotation, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return sess.annotations.Annotations(), nil
}

func (s *Service) AddAnnotation(ctx context.Context, paperID string, highlightID *string, content string) (store.Annotation, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return store.Annotation{}, err
	}
	note, err := sess.annotations.AddAnnotation(highlightID, content)
	if err != nil {
		if err == annotation.ErrNotFound {
			return store.Annotation{}, err
		}
		return store.Annotation{}, domainError(http.StatusBadRequest, "INVALID_ANNOTATION", err.Error(), nil)
	}
	if s.search != nil {
		s.search.IndexAnnotation(search.AnnotationRecord{ID: note.ID, Content: note.Content, PaperID: paperID})
	}
	return note, nil
}

func (s *Service) UpdateAnnotation(ctx context.Context, paperID, annotationID, content string) (store.Annotation, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return store.Annotation{}, err
	}
	note, err := sess.annotations.UpdateAnnotation(annotationID, content)
	if err != nil {
		if err == annotation.ErrNotFound {
			return store.Annotation{}, err
		}
		return store.Annotation{}, domainError(http.StatusBadRequest, "INVALID_ANNOTATION", err.Error(), nil)
	}
	if s.search != nil {
		s.search.IndexAnnotation(search.AnnotationRecord{ID: note.ID, Content: note.Content, PaperID: paperID})
	}
	return note, nil
}

func (s *Service) RemoveAnnotation(ctx context.Context, paperID, annotationID string) error {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return err
	}
	if err := sess.annotations.RemoveAnnotation(annotationID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteAnnotation(annotationID)
	}
	return nil
}

// Threads

func (s *Service) ListThreads(ctx context.Context, paperID string) ([]thread.Thread, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return sess.threads.Threads(), nil
}

// ThreadChatInput carries the chat parameters of a thread send.
type ThreadChatInput struct {
	Message    string
	References []string
	Style      string
}

func (s *Service) sendOptions(sess *session, input ThreadChatInput) thread.SendOptions {
	return thread.SendOptions{
		References:   input.References,
		Style:        input.Style,
		PaperContext: strings.Join(sess.paper.Pages, "\n\n"),
	}
}

// CreateThreadAndSend opens (or reactivates) a thread for a selection and
// streams the first exchange when a message is included.
func (s *Service) CreateThreadAndSend(ctx context.Context, paperID, selectedText string, highlightID *string, input ThreadChatInput, sink thread.Sink) (thread.Thread, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return thread.Thread{}, err
	}
	th, err := sess.threads.CreateThreadAndSend(ctx, selectedText, highlightID, input.Message, s.sendOptions(sess, input), sink)
	if err != nil {
		if err == thread.ErrNotFound {
			return thread.Thread{}, err
		}
		return thread.Thread{}, domainError(http.StatusBadRequest, "INVALID_THREAD", err.Error(), nil)
	}
	return th, nil
}

// SendThreadMessage streams one exchange into an existing thread.
func (s *Service) SendThreadMessage(ctx context.Context, paperID, threadID string, input ThreadChatInput, sink thread.Sink) error {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(input.Message) == "" {
		return domainError(http.StatusBadRequest, "INVALID_MESSAGE", "Message must not be empty", nil)
	}
	return sess.threads.SendMessage(ctx, threadID, input.Message, s.sendOptions(sess, input), sink)
}

func (s *Service) DeleteThread(ctx context.Context, paperID, threadID string) error {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return err
	}
	return sess.threads.DeleteThread(threadID)
}

func (s *Service) SetThreadExpanded(ctx context.Context, paperID, threadID string, expanded bool) error {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return err
	}
	return sess.threads.SetExpanded(threadID, expanded)
}

// ResolveCitation maps a citation key in a thread to a document location.
func (s *Service) ResolveCitation(ctx context.Context, paperID, threadID, key string) (*textlayer.Match, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return nil, err
	}
	return sess.threads.ResolveCitation(threadID, key)
}

// Conversations and top-level chat

// ChatInput carries a top-level conversation turn.
type ChatInput struct {
	PaperID        string
	ConversationID string
	Query          string
	References     []string
	Style          string
}

// StreamChat runs a top-level (non-thread) conversation turn, forwarding
// events to sink and persisting both turns. Returns the conversation id.
func (s *Service) StreamChat(ctx context.Context, input ChatInput, sink thread.Sink) (string, error) {
	if strings.TrimSpace(input.Query) == "" {
		return "", domainError(http.StatusBadRequest, "INVALID_QUERY", "Query must not be empty", nil)
	}
	if s.streamer == nil {
		return "", domainError(http.StatusServiceUnavailable, "CHAT_UNAVAILABLE", "Chat is not configured", nil)
	}
	paper, err := s.store.GetPaper(ctx, input.PaperID)
	if err != nil {
		return "", err
	}

	conversationID := input.ConversationID
	if conversationID == "" {
		conversationID = util.NewID("conv")
		if err := s.store.InsertConversation(ctx, store.Conversation{
			ID:        conversationID,
			PaperID:   input.PaperID,
			Title:     truncate(input.Query, 80),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return "", err
		}
	}

	if err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		Role:           "user",
		Content:        input.Query,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		log.Printf("app: persisting chat user turn failed: %v", err)
	}

	events, err := s.streamer.StreamChat(ctx, llm.ChatRequest{
		PaperID:        input.PaperID,
		ConversationID: conversationID,
		Query:          input.Query,
		References:     input.References,
		Style:          input.Style,
		PaperContext:   strings.Join(paper.Pages, "\n\n"),
	})
	if err != nil {
		return conversationID, domainError(http.StatusBadGateway, "CHAT_FAILED", "Could not reach the model", err.Error())
	}

	var content strings.Builder
	var refs *streamproto.References
	for ev := range events {
		if sink != nil {
			sink(ev)
		}
		switch ev.Type {
		case streamproto.EventContent:
			content.WriteString(ev.Content)
		case streamproto.EventReferences:
			refs = ev.References
		case streamproto.EventError:
			log.Printf("app: chat stream for conversation %s reported error: %s", conversationID, ev.Content)
		}
	}

	if content.Len() > 0 {
		var rawRefs json.RawMessage
		if refs != nil {
			if encoded, err := json.Marshal(refs); err == nil {
				rawRefs = encoded
			}
		}
		if err := s.store.InsertMessage(ctx, store.Message{
			ID:             util.NewID("msg"),
			ConversationID: conversationID,
			Role:           "assistant",
			Content:        content.String(),
			References:     rawRefs,
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			log.Printf("app: persisting chat assistant turn failed: %v", err)
		}
	}
	return conversationID, nil
}

// ConversationWithMessages is the chat history payload.
type ConversationWithMessages struct {
	Conversation store.Conversation `json:"conversation"`
	Messages     []store.Message    `json:"messages"`
}

func (s *Service) GetConversation(ctx context.Context, conversationID string) (ConversationWithMessages, error) {
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return ConversationWithMessages{}, err
	}
	messages, err := s.store.ListMessagesByConversation(ctx, conversationID)
	if err != nil {
		return ConversationWithMessages{}, err
	}
	return ConversationWithMessages{Conversation: conversation, Messages: messages}, nil
}

func (s *Service) RenameConversation(ctx context.Context, conversationID, title string) error {
	if strings.TrimSpace(title) == "" {
		return domainError(http.StatusBadRequest, "INVALID_TITLE", "Title must not be empty", nil)
	}
	return s.store.UpdateConversationTitle(ctx, conversationID, title)
}

func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.store.DeleteConversation(ctx, conversationID)
}

// Search

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Export

// ExportPaper renders the paper's session into a downloadable report.
func (s *Service) ExportPaper(ctx context.Context, paperID string, format export.Format, includeThreads bool) (*export.Result, error) {
	sess, err := s.session(ctx, paperID)
	if err != nil {
		return nil, err
	}

	report := export.Report{
		Title:      sess.paper.Title,
		Authors:    strings.Join(sess.paper.Authors, ", "),
		Abstract:   sess.paper.Abstract,
		ExportedAt: time.Now().UTC(),
	}

	highlightText := map[string]string{}
	for _, h := range sess.annotations.Highlights() {
		highlightText[h.ID] = h.RawText
		report.Highlights = append(report.Highlights, export.ReportHighlight{
			PageNumber: h.PageIndex + 1,
			Text:       h.RawText,
		})
	}
	for _, a := range sess.annotations.Annotations() {
		note := export.ReportNote{Content: a.Content}
		if a.HighlightID != nil {
			note.HighlightedText = highlightText[*a.HighlightID]
		}
		report.Notes = append(report.Notes, note)
	}
	for _, th := range sess.threads.Threads() {
		rt := export.ReportThread{SelectedText: th.SelectedText}
		for _, m := range th.Messages {
			rt.Messages = append(rt.Messages, export.ReportMessage{Role: m.Role, Content: m.Content})
		}
		report.Threads = append(report.Threads, rt)
	}

	result, err := s.exporter.Export(export.Request{
		PaperID:        paperID,
		Format:         format,
		IncludeThreads: includeThreads,
	}, report)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "EXPORT_FAILED", "Export failed", err.Error())
	}
	return result, nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
