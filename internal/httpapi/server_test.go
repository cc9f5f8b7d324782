package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kulesh/catsyphon-sub000/internal/ingest"
	"github.com/kulesh/catsyphon-sub000/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()
	st, err := store.NewGormStore("sqlite", filepath.Join(t.TempDir(), "catsyphon.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := log.New(io.Discard, "", 0)
	svc := ingest.New(logger, st, nil)
	srv := NewServer(logger, ":0", svc, st, "ws-default", "api")
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, st
}

func batchJSON(sessionID string, base time.Time, contents ...string) []byte {
	events := []map[string]any{
		{
			"type":       "session_start",
			"emitted_at": base.Format(time.RFC3339),
			"payload":    map[string]any{"agent_type": "claude-code"},
		},
	}
	for i, content := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		events = append(events, map[string]any{
			"type":       "message",
			"emitted_at": base.Add(time.Duration(i+1) * time.Second).Format(time.RFC3339),
			"payload":    map[string]any{"role": role, "content": content},
		})
	}
	body, _ := json.Marshal(map[string]any{"session_id": sessionID, "events": events})
	return body
}

func postBatch(t *testing.T, ts *httptest.Server, body []byte) (*http.Response, outcomeBody) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/batches", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post batch: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var outcome outcomeBody
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
			t.Fatalf("decode outcome: %v", err)
		}
	}
	return resp, outcome
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBatchIngestAndReplay(t *testing.T) {
	ts, st := newTestServer(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	body := batchJSON("s1", base, "hello", "hi")

	resp, outcome := postBatch(t, ts, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if outcome.Status != "success" || outcome.EventsAccepted != 3 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.ConversationID == "" {
		t.Fatalf("expected conversation id in response")
	}

	// Same batch again: everything deduplicates.
	resp, replay := postBatch(t, ts, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", resp.StatusCode)
	}
	if replay.Status != "duplicate" || replay.EventsAccepted != 0 || replay.EventsDeduplicated != 3 {
		t.Fatalf("unexpected replay outcome: %+v", replay)
	}

	msgs, err := st.ListMessages(context.Background(), outcome.ConversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestBatchValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		body string
	}{
		{"missing session", `{"events":[{"type":"message","emitted_at":"2026-03-01T10:00:00Z","payload":{}}]}`},
		{"no events", `{"session_id":"s1","events":[]}`},
		{"bad type", `{"session_id":"s1","events":[{"type":"bogus","emitted_at":"2026-03-01T10:00:00Z","payload":{}}]}`},
		{"missing emitted_at", `{"session_id":"s1","events":[{"type":"message","payload":{}}]}`},
		{"unknown field", `{"session_id":"s1","bogus":1,"events":[]}`},
		{"trailing content", string(batchJSON("s1", base, "x")) + `{"more":true}`},
	}
	for _, tc := range cases {
		resp, err := http.Post(ts.URL+"/v1/batches", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: post: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, resp.StatusCode)
		}
	}
}

func TestBatchMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/batches")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestConversationEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, outcome := postBatch(t, ts, batchJSON("s1", base, "hello"))

	resp, err := http.Get(ts.URL + "/v1/conversations?workspace_id=ws-default")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	defer resp.Body.Close()
	var listBody struct {
		Conversations []conversationBody `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listBody.Conversations) != 1 || listBody.Conversations[0].ID != outcome.ConversationID {
		t.Fatalf("unexpected conversation list: %+v", listBody)
	}

	one, err := http.Get(ts.URL + "/v1/conversations/" + outcome.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	defer one.Body.Close()
	if one.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", one.StatusCode)
	}
	var conv conversationBody
	if err := json.NewDecoder(one.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if conv.SessionID != "s1" || conv.MessageCount != 1 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	missing, err := http.Get(ts.URL + "/v1/conversations/no-such-id")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestJobsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, outcome := postBatch(t, ts, batchJSON("s1", base, "hello"))

	resp, err := http.Get(ts.URL + "/v1/jobs?conversation_id=" + outcome.ConversationID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Jobs []jobBody `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(body.Jobs) != 1 || body.Jobs[0].Status != "success" {
		t.Fatalf("unexpected jobs: %+v", body.Jobs)
	}

	missing, err := http.Get(ts.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("get without param: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without conversation_id, got %d", missing.StatusCode)
	}
}

func TestLinkOrphansEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	agentBatch, _ := json.Marshal(map[string]any{
		"session_id": "agent-1",
		"events": []map[string]any{{
			"type":       "session_start",
			"emitted_at": base.Format(time.RFC3339),
			"payload":    map[string]any{"conversation_type": "agent", "parent_session_id": "parent-1"},
		}},
	})
	postBatch(t, ts, agentBatch)
	postBatch(t, ts, batchJSON("parent-1", base, "main work"))

	resp, err := http.Post(ts.URL+"/v1/link-orphans", "application/json", nil)
	if err != nil {
		t.Fatalf("link orphans: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Linked int `json:"linked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The parent batch already triggers the sweep, so this call is a no-op.
	if body.Linked != 0 {
		t.Fatalf("expected idempotent sweep, got %d", body.Linked)
	}
}

func TestCollectStream(t *testing.T) {
	ts, st := newTestServer(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/collect"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial collect: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		batch := map[string]any{
			"session_id": "s-stream",
			"events": []map[string]any{{
				"type":       "message",
				"emitted_at": base.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
				"payload":    map[string]any{"role": "user", "content": fmt.Sprintf("chunk %d", i)},
			}},
		}
		if err := conn.WriteJSON(batch); err != nil {
			t.Fatalf("write batch %d: %v", i, err)
		}
		var result collectResult
		if err := conn.ReadJSON(&result); err != nil {
			t.Fatalf("read result %d: %v", i, err)
		}
		if !result.OK || result.Outcome == nil || result.Outcome.EventsAccepted != 1 {
			t.Fatalf("unexpected stream result %d: %+v", i, result)
		}
	}

	conv, err := st.FindConversation(context.Background(), store.ConversationKey{
		WorkspaceID: "ws-default", SessionID: "s-stream", ConversationType: "main",
	})
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	if conv.MessageCount != 3 {
		t.Fatalf("expected 3 messages over the stream, got %d", conv.MessageCount)
	}

	// Invalid batch gets an error frame, and the stream stays usable.
	if err := conn.WriteJSON(map[string]any{"events": []any{}}); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	var result collectResult
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if result.OK || result.Error == "" {
		t.Fatalf("expected error frame, got %+v", result)
	}
}
