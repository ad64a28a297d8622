package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zhilog/api/internal/annotation"
	"zhilog/api/internal/export"
	"zhilog/api/internal/search"
	"zhilog/api/internal/streamproto"
	"zhilog/api/internal/textlayer"
	"zhilog/api/internal/thread"
)

const maxUploadBytes = 64 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chat" {
		s.handleChat(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "papers" {
		s.handlePapers(w, r, parts[2:])
		return
	}
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "conversations" {
		s.handleConversation(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePapers(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleUploadPaper(w, r)
	case len(rest) == 0 && r.Method == http.MethodGet:
		papers, err := s.service.ListPapers(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"papers": papers})
	case len(rest) == 1 && r.Method == http.MethodGet:
		paper, err := s.service.GetPaper(r.Context(), rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, paper)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeletePaper(r.Context(), rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	case len(rest) == 2 && rest[1] == "metadata" && r.Method == http.MethodPut:
		s.handleUpdateMetadata(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "file" && r.Method == http.MethodGet:
		s.handlePaperFile(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "pages" && r.Method == http.MethodGet:
		paper, err := s.service.GetPaper(r.Context(), rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": paper.Pages})
	case len(rest) == 2 && rest[1] == "offsets" && r.Method == http.MethodPost:
		s.handleComputeOffsets(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "locate" && r.Method == http.MethodPost:
		s.handleLocateText(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, rest[0])
	case len(rest) >= 2 && rest[1] == "highlights":
		s.handleHighlights(w, r, rest[0], rest[2:])
	case len(rest) >= 2 && rest[1] == "annotations":
		s.handleAnnotations(w, r, rest[0], rest[2:])
	case len(rest) >= 2 && rest[1] == "threads":
		s.handleThreads(w, r, rest[0], rest[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUploadPaper(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Could not parse upload", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Missing file field", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Could not read upload", nil)
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Upload exceeds the size limit", nil)
		return
	}

	paper, err := s.service.UploadPaper(r.Context(), header.Filename, data)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, paper)
}

func (s *HTTPServer) handleUpdateMetadata(w http.ResponseWriter, r *http.Request, paperID string) {
	var body struct {
		Title    string   `json:"title"`
		Abstract string   `json:"abstract"`
		Authors  []string `json:"authors"`
		Keywords []string `json:"keywords"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.UpdatePaperMetadata(r.Context(), paperID, body.Title, body.Abstract, body.Authors, body.Keywords); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (s *HTTPServer) handlePaperFile(w http.ResponseWriter, r *http.Request, paperID string) {
	data, filename, err := s.service.PaperFile(r.Context(), paperID)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleComputeOffsets(w http.ResponseWriter, r *http.Request, paperID string) {
	var body struct {
		PageIndex int    `json:"pageIndex"`
		Text      string `json:"text"`
		Hint      *int   `json:"hint"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	hint := -1
	if body.Hint != nil {
		hint = *body.Hint
	}
	offset, err := s.service.ComputeOffsets(r.Context(), paperID, textlayer.Selection{
		PageIndex: body.PageIndex,
		Text:      body.Text,
		Hint:      hint,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	// A selection that cannot be anchored is a null result, not an error.
	writeJSON(w, http.StatusOK, map[string]any{"offset": offset})
}

func (s *HTTPServer) handleLocateText(w http.ResponseWriter, r *http.Request, paperID string) {
	var body struct {
		Query string `json:"query"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	match, err := s.service.LocateText(r.Context(), paperID, body.Query)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"match": match})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, paperID string) {
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatPDF
	}
	includeThreads := r.URL.Query().Get("threads") != "false"

	result, err := s.service.ExportPaper(r.Context(), paperID, format, includeThreads)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleHighlights(w http.ResponseWriter, r *http.Request, paperID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		highlights, err := s.service.ListHighlights(r.Context(), paperID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"highlights": highlights})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			PageIndex   int    `json:"pageIndex"`
			StartOffset *int   `json:"startOffset"`
			EndOffset   *int   `json:"endOffset"`
			RawText     string `json:"rawText"`
			Role        string `json:"role"`
			Hint        *int   `json:"hint"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		hint := -1
		if body.Hint != nil {
			hint = *body.Hint
		}
		highlight, err := s.service.AddHighlight(r.Context(), paperID, annotation.AddHighlightInput{
			PageIndex:   body.PageIndex,
			StartOffset: body.StartOffset,
			EndOffset:   body.EndOffset,
			RawText:     body.RawText,
			Role:        body.Role,
			Hint:        hint,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, highlight)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RemoveHighlight(r.Context(), paperID, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	case len(rest) == 2 && rest[1] == "location" && r.Method == http.MethodGet:
		match, err := s.service.LocateHighlight(r.Context(), paperID, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"match": match})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, paperID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		annotations, err := s.service.ListAnnotations(r.Context(), paperID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotations": annotations})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			HighlightID *string `json:"highlightId"`
			Content     string  `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		note, err := s.service.AddAnnotation(r.Context(), paperID, body.HighlightID, body.Content)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, note)
	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		note, err := s.service.UpdateAnnotation(r.Context(), paperID, rest[0], body.Content)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, note)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RemoveAnnotation(r.Context(), paperID, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleThreads(w http.ResponseWriter, r *http.Request, paperID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		threads, err := s.service.ListThreads(r.Context(), paperID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.handleCreateThread(w, r, paperID)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteThread(r.Context(), paperID, rest[0]); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	case len(rest) == 2 && rest[1] == "messages" && r.Method == http.MethodPost:
		s.handleThreadMessage(w, r, paperID, rest[0])
	case len(rest) == 2 && rest[1] == "expanded" && r.Method == http.MethodPut:
		var body struct {
			Expanded bool `json:"expanded"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetThreadExpanded(r.Context(), paperID, rest[0], body.Expanded); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": true})
	case len(rest) == 3 && rest[1] == "citations" && r.Method == http.MethodGet:
		match, err := s.service.ResolveCitation(r.Context(), paperID, rest[0], rest[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"match": match})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

type threadChatBody struct {
	SelectedText string   `json:"selectedText"`
	HighlightID  *string  `json:"highlightId"`
	Message      string   `json:"message"`
	References   []string `json:"references"`
	Style        string   `json:"responseStyle"`
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request, paperID string) {
	var body threadChatBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	input := ThreadChatInput{Message: body.Message, References: body.References, Style: body.Style}

	// Without a message this is a plain create; with one, the response is the
	// event stream of the first exchange.
	if strings.TrimSpace(body.Message) == "" {
		th, err := s.service.CreateThreadAndSend(r.Context(), paperID, body.SelectedText, body.HighlightID, input, nil)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, th)
		return
	}

	sink, done := startEventStream(w)
	if _, err := s.service.CreateThreadAndSend(r.Context(), paperID, body.SelectedText, body.HighlightID, input, sink); err != nil {
		done(err)
		return
	}
	done(nil)
}

func (s *HTTPServer) handleThreadMessage(w http.ResponseWriter, r *http.Request, paperID, threadID string) {
	var body threadChatBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	input := ThreadChatInput{Message: body.Message, References: body.References, Style: body.Style}

	sink, done := startEventStream(w)
	if err := s.service.SendThreadMessage(r.Context(), paperID, threadID, input, sink); err != nil {
		done(err)
		return
	}
	done(nil)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PaperID        string   `json:"paper_id"`
		ConversationID string   `json:"conversation_id"`
		Query          string   `json:"query"`
		References     []string `json:"references"`
		Style          string   `json:"response_style"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	sink, done := startEventStream(w)
	_, err := s.service.StreamChat(r.Context(), ChatInput{
		PaperID:        body.PaperID,
		ConversationID: body.ConversationID,
		Query:          body.Query,
		References:     body.References,
		Style:          body.Style,
	}, sink)
	done(err)
}

func (s *HTTPServer) handleConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		history, err := s.service.GetConversation(r.Context(), conversationID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	case http.MethodPut:
		var body struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RenameConversation(r.Context(), conversationID, body.Title); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": true})
	case http.MethodDelete:
		if err := s.service.DeleteConversation(r.Context(), conversationID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	response := s.service.Search(search.Query{
		Text:          q.Get("q"),
		FilterType:    search.ResultType(q.Get("type")),
		FilterPaperID: q.Get("paperId"),
		Limit:         limit,
		Offset:        offset,
	})
	writeJSON(w, http.StatusOK, response)
}

// startEventStream switches the response to the delimiter-separated event
// protocol. The returned done func reports errors that happened before any
// event was written; once the stream has started, errors surface as error
// events instead.
func startEventStream(w http.ResponseWriter) (thread.Sink, func(error)) {
	flusher, _ := w.(http.Flusher)
	started := false

	sink := func(ev streamproto.Event) {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := streamproto.Encode(w, ev); err != nil {
			log.Printf("http: writing stream event failed: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	done := func(err error) {
		if err == nil {
			if !started {
				// Stream produced no events (e.g. a silently dropped send).
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			}
			return
		}
		if !started {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		_ = streamproto.Encode(w, streamproto.Event{Type: streamproto.EventError, Content: "request failed"})
	}

	return sink, done
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working through the status recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, annotation.ErrNotFound) ||
		errors.Is(err, thread.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
