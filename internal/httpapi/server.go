package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kulesh/catsyphon-sub000/internal/event"
	"github.com/kulesh/catsyphon-sub000/internal/ingest"
	"github.com/kulesh/catsyphon-sub000/internal/store"
)

type server struct {
	logger      *log.Logger
	ingestor    *ingest.Service
	store       store.Store
	workspaceID string
	sourceType  string
}

const (
	maxBatchRequestBytes   int64 = 2 << 20
	maxCollectMessageBytes int64 = 1 << 20
)

func NewServer(logger *log.Logger, addr string, svc *ingest.Service, st store.Store, workspaceID, sourceType string) *http.Server {
	h := &server{
		logger:      logger,
		ingestor:    svc,
		store:       st,
		workspaceID: workspaceID,
		sourceType:  sourceType,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/batches", h.handleBatches)
	mux.HandleFunc("/v1/conversations", h.handleConversations)
	mux.HandleFunc("/v1/conversations/", h.handleConversation)
	mux.HandleFunc("/v1/jobs", h.handleJobs)
	mux.HandleFunc("/v1/link-orphans", h.handleLinkOrphans)
	mux.HandleFunc("/v1/collect", h.handleCollect)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type eventBody struct {
	Type      string          `json:"type"`
	EmittedAt time.Time       `json:"emitted_at"`
	Payload   json.RawMessage `json:"payload"`
}

type batchBody struct {
	SessionID   string      `json:"session_id"`
	WorkspaceID string      `json:"workspace_id"`
	SourceType  string      `json:"source_type"`
	Events      []eventBody `json:"events"`
}

type outcomeBody struct {
	Status             string `json:"status"`
	ConversationID     string `json:"conversation_id,omitempty"`
	MessagesAdded      int64  `json:"messages_added"`
	EventsAccepted     int    `json:"events_accepted"`
	EventsDeduplicated int    `json:"events_deduplicated"`
	ProcessingTimeMS   int64  `json:"processing_time_ms"`
}

func toOutcomeBody(o ingest.Outcome) outcomeBody {
	return outcomeBody{
		Status:             string(o.Status),
		ConversationID:     o.ConversationID,
		MessagesAdded:      o.MessagesAdded,
		EventsAccepted:     o.EventsAccepted,
		EventsDeduplicated: o.EventsDeduplicated,
		ProcessingTimeMS:   o.ProcessingTimeMS,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var body batchBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBatchRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return
	}

	events, workspaceID, sourceType, err := s.batchFromBody(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid batch: %v", err), http.StatusBadRequest)
		return
	}

	outcome, err := s.ingestor.ProcessEvents(r.Context(), events, body.SessionID, workspaceID, sourceType)
	if err != nil {
		s.logger.Printf("batch ingest failed session_id=%s err=%v", body.SessionID, err)
		http.Error(w, "failed to ingest batch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toOutcomeBody(outcome))
}

func (s *server) batchFromBody(body batchBody) ([]event.Event, string, string, error) {
	if strings.TrimSpace(body.SessionID) == "" {
		return nil, "", "", errors.New("session_id is required")
	}
	if len(body.Events) == 0 {
		return nil, "", "", errors.New("events is required")
	}

	workspaceID := strings.TrimSpace(body.WorkspaceID)
	if workspaceID == "" {
		workspaceID = s.workspaceID
	}
	sourceType := strings.TrimSpace(body.SourceType)
	if sourceType == "" {
		sourceType = s.sourceType
	}

	events := make([]event.Event, 0, len(body.Events))
	for i, raw := range body.Events {
		if err := validateEventBody(raw); err != nil {
			return nil, "", "", fmt.Errorf("event %d: %w", i, err)
		}
		payload := raw.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("{}")
		}
		evt, err := event.New(event.Type(raw.Type), raw.EmittedAt, payload)
		if err != nil {
			return nil, "", "", fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, evt)
	}
	return events, workspaceID, sourceType, nil
}

func validateEventBody(raw eventBody) error {
	if !validEventType(event.Type(raw.Type)) {
		return fmt.Errorf("unsupported type %q", raw.Type)
	}
	if raw.EmittedAt.IsZero() {
		return errors.New("emitted_at is required")
	}
	if len(raw.Payload) > 0 && !json.Valid(raw.Payload) {
		return errors.New("payload must be valid json")
	}
	return nil
}

func validEventType(t event.Type) bool {
	switch t {
	case event.TypeSessionStart,
		event.TypeSessionEnd,
		event.TypeMessage,
		event.TypeToolCall:
		return true
	default:
		return false
	}
}

type conversationBody struct {
	ID                   string     `json:"id"`
	WorkspaceID          string     `json:"workspace_id"`
	SessionID            string     `json:"session_id"`
	ConversationType     string     `json:"conversation_type"`
	AgentType            string     `json:"agent_type,omitempty"`
	AgentVersion         string     `json:"agent_version,omitempty"`
	WorkingDirectory     string     `json:"working_directory,omitempty"`
	GitBranch            string     `json:"git_branch,omitempty"`
	Slug                 string     `json:"slug,omitempty"`
	Status               string     `json:"status"`
	Success              *bool      `json:"success,omitempty"`
	StartTime            time.Time  `json:"start_time"`
	EndTime              *time.Time `json:"end_time,omitempty"`
	MessageCount         int64      `json:"message_count"`
	FilesCount           int64      `json:"files_count"`
	LastActivity         time.Time  `json:"last_activity"`
	ParentConversationID *string    `json:"parent_conversation_id,omitempty"`
	ParentSessionID      string     `json:"parent_session_id,omitempty"`
}

func toConversationBody(c store.Conversation) conversationBody {
	return conversationBody{
		ID:                   c.ID,
		WorkspaceID:          c.WorkspaceID,
		SessionID:            c.SessionID,
		ConversationType:     c.ConversationType,
		AgentType:            c.AgentType,
		AgentVersion:         c.AgentVersion,
		WorkingDirectory:     c.WorkingDirectory,
		GitBranch:            c.GitBranch,
		Slug:                 c.Slug,
		Status:               string(c.Status),
		Success:              c.Success,
		StartTime:            c.StartTime,
		EndTime:              c.EndTime,
		MessageCount:         c.MessageCount,
		FilesCount:           c.FilesCount,
		LastActivity:         c.LastActivity,
		ParentConversationID: c.ParentConversationID,
		ParentSessionID:      c.ParentSessionID,
	}
}

func (s *server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if workspaceID == "" {
		workspaceID = s.workspaceID
	}
	convs, err := s.store.ListConversations(r.Context(), workspaceID)
	if err != nil {
		http.Error(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}
	out := make([]conversationBody, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationBody(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toConversationBody(conv))
}

type jobBody struct {
	ID               string             `json:"id"`
	SourceType       string             `json:"source_type"`
	FilePath         string             `json:"file_path,omitempty"`
	ConversationID   string             `json:"conversation_id,omitempty"`
	Status           string             `json:"status"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	ProcessingTimeMS int64              `json:"processing_time_ms"`
	Incremental      bool               `json:"incremental"`
	MessagesAdded    int64              `json:"messages_added"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

func (s *server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conversationID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	jobs, err := s.store.ListJobsByConversation(r.Context(), conversationID)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	out := make([]jobBody, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobBody{
			ID:               job.ID,
			SourceType:       job.SourceType,
			FilePath:         job.FilePath,
			ConversationID:   job.ConversationID,
			Status:           string(job.Status),
			ErrorMessage:     job.ErrorMessage,
			ProcessingTimeMS: job.ProcessingTimeMS,
			Incremental:      job.Incremental,
			MessagesAdded:    job.MessagesAdded,
			Metrics:          job.Metrics,
			StartedAt:        job.StartedAt,
			CompletedAt:      job.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *server) handleLinkOrphans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if workspaceID == "" {
		workspaceID = s.workspaceID
	}
	linked, err := s.ingestor.LinkOrphans(r.Context(), workspaceID)
	if err != nil {
		http.Error(w, "failed to link orphans", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"linked": linked})
}

type collectResult struct {
	OK      bool         `json:"ok"`
	Error   string       `json:"error,omitempty"`
	Outcome *outcomeBody `json:"outcome,omitempty"`
}

// handleCollect is the streaming collector endpoint: a client holds one
// websocket open and submits event batches as it observes them, getting a
// per-batch outcome back.
func (s *server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("collect ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxCollectMessageBytes)

	for {
		var body batchBody
		if err := conn.ReadJSON(&body); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("collect ws read failed: %v", err)
			}
			return
		}

		events, workspaceID, sourceType, err := s.batchFromBody(body)
		if err != nil {
			_ = conn.WriteJSON(collectResult{OK: false, Error: err.Error()})
			continue
		}
		outcome, err := s.ingestor.ProcessEvents(r.Context(), events, body.SessionID, workspaceID, sourceType)
		if err != nil {
			_ = conn.WriteJSON(collectResult{OK: false, Error: "failed to ingest batch"})
			continue
		}
		out := toOutcomeBody(outcome)
		_ = conn.WriteJSON(collectResult{OK: true, Outcome: &out})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
