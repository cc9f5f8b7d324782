package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kulesh/catsyphon-sub000/internal/store"
)

func claudeFixtureLine(session, role, content string, ts time.Time) string {
	return fmt.Sprintf(`{"type":%q,"sessionId":%q,"timestamp":%q,"cwd":"/work","gitBranch":"main","version":"1.2.0","message":{"role":%q,"content":%q}}`,
		role, session, ts.Format(time.RFC3339), role, content)
}

func sidechainFixtureLine(session, parent, content string, ts time.Time) string {
	return fmt.Sprintf(`{"type":"assistant","sessionId":%q,"parentSessionId":%q,"isSidechain":true,"timestamp":%q,"message":{"role":"assistant","content":%q}}`,
		session, parent, ts.Format(time.RFC3339), content)
}

func writeFixture(t *testing.T, dir, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func appendFixture(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		t.Fatalf("append fixture: %v", err)
	}
}

func TestProcessFileFullThenUnchanged(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dir := t.TempDir()

	path := writeFixture(t, dir, "session.jsonl", []string{
		claudeFixtureLine("sess-1", "user", "fix the login bug", base),
		claudeFixtureLine("sess-1", "assistant", "looking at it now", base.Add(time.Second)),
	})

	first, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.Status != store.JobSuccess || first.MessagesAdded != 2 {
		t.Fatalf("expected success with 2 messages, got %s / %d", first.Status, first.MessagesAdded)
	}

	conv, err := st.GetConversation(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.AgentType != "claude-code" || conv.AgentVersion != "1.2.0" {
		t.Fatalf("expected metadata from file, got %q %q", conv.AgentType, conv.AgentVersion)
	}

	second, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Status != store.JobSkipped {
		t.Fatalf("expected unchanged file to be skipped, got %s", second.Status)
	}
	if second.MessagesAdded != 0 {
		t.Fatalf("expected no new messages, got %d", second.MessagesAdded)
	}
}

func TestProcessFileFailOnDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	path := writeFixture(t, t.TempDir(), "session.jsonl", []string{
		claudeFixtureLine("sess-1", "user", "hello", base),
	})

	if _, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{}); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	outcome, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{FailOnDuplicate: true})
	if !errors.Is(err, ErrDuplicateFile) {
		t.Fatalf("expected ErrDuplicateFile, got %v", err)
	}
	if outcome.Status != store.JobDuplicate {
		t.Fatalf("expected duplicate status, got %s", outcome.Status)
	}
}

func TestProcessFileAppendedIsIncremental(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	path := writeFixture(t, t.TempDir(), "session.jsonl", []string{
		claudeFixtureLine("sess-1", "user", "start", base),
		claudeFixtureLine("sess-1", "assistant", "working", base.Add(time.Second)),
	})

	first, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}

	appendFixture(t, path, []string{
		claudeFixtureLine("sess-1", "user", "also update the tests", base.Add(2*time.Second)),
		claudeFixtureLine("sess-1", "assistant", "done", base.Add(3*time.Second)),
	})

	second, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.Status != store.JobSuccess {
		t.Fatalf("expected success, got %s", second.Status)
	}
	if second.MessagesAdded != 2 {
		t.Fatalf("expected only appended lines ingested, got %d", second.MessagesAdded)
	}

	conv, err := st.GetConversation(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.MessageCount != 4 {
		t.Fatalf("expected 4 total messages, got %d", conv.MessageCount)
	}
	raw, err := st.GetRawLog(ctx, first.ConversationID, path)
	if err != nil {
		t.Fatalf("get raw log: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if raw.LastProcessedOffset != info.Size() {
		t.Fatalf("expected checkpoint at end of file: offset %d size %d", raw.LastProcessedOffset, info.Size())
	}
	if raw.LastProcessedLine != 4 {
		t.Fatalf("expected 4 lines processed, got %d", raw.LastProcessedLine)
	}
}

func TestProcessFileRewrittenResetsConversation(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	path := writeFixture(t, dir, "session.jsonl", []string{
		claudeFixtureLine("sess-1", "user", "a long opening message that will disappear", base),
		claudeFixtureLine("sess-1", "assistant", "acknowledged, starting on that now", base.Add(time.Second)),
		claudeFixtureLine("sess-1", "user", "more context here", base.Add(2*time.Second)),
	})

	first, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.MessagesAdded != 3 {
		t.Fatalf("expected 3 messages, got %d", first.MessagesAdded)
	}

	// Shorter replacement content: truncation is treated as a rewrite.
	writeFixture(t, dir, "session.jsonl", []string{
		claudeFixtureLine("sess-1", "user", "fresh start", base.Add(time.Hour)),
	})

	second, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("rewrite must keep the same conversation identity")
	}
	conv, err := st.GetConversation(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.MessageCount != 1 {
		t.Fatalf("expected counts rebuilt from new content, got %d", conv.MessageCount)
	}
	msgs, err := st.ListMessages(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "fresh start" {
		t.Fatalf("expected only the rewritten content, got %d messages", len(msgs))
	}
}

func TestProcessFileChunkedMatchesSinglePass(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dir := t.TempDir()

	var lines []string
	for i := 0; i < 25; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		lines = append(lines, claudeFixtureLine("sess-1", role, fmt.Sprintf("message number %d", i), base.Add(time.Duration(i)*time.Second)))
	}
	path := writeFixture(t, dir, "session.jsonl", lines)

	outcome, err := svc.ProcessFile(ctx, path, "ws-1", "jsonl", FileOptions{ChunkLimit: 4})
	if err != nil {
		t.Fatalf("chunked pass: %v", err)
	}
	if outcome.MessagesAdded != 25 {
		t.Fatalf("expected 25 messages, got %d", outcome.MessagesAdded)
	}
	msgs, err := st.ListMessages(ctx, outcome.ConversationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 25 {
		t.Fatalf("expected 25 stored messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		want := fmt.Sprintf("message number %d", i)
		if msg.Content != want {
			t.Fatalf("message %d out of order: got %q want %q", i, msg.Content, want)
		}
	}
}

func TestProcessFileUnrecognizedFormat(t *testing.T) {
	svc, _ := newTestService(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not a session log\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	outcome, err := svc.ProcessFile(context.Background(), path, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("format problems must not propagate as errors, got %v", err)
	}
	if outcome.Status != store.JobFailed {
		t.Fatalf("expected failed outcome, got %s", outcome.Status)
	}
}

func TestProcessFileSidechainLinksToParent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	dir := t.TempDir()

	agentPath := writeFixture(t, dir, "agent.jsonl", []string{
		sidechainFixtureLine("agent-1", "parent-1", "running subtask", base),
	})
	agentOutcome, err := svc.ProcessFile(ctx, agentPath, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("agent pass: %v", err)
	}
	agent, err := st.GetConversation(ctx, agentOutcome.ConversationID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.ConversationType != "agent" || agent.ParentSessionID != "parent-1" {
		t.Fatalf("expected agent conversation with recorded parent session, got %q %q", agent.ConversationType, agent.ParentSessionID)
	}

	parentPath := writeFixture(t, dir, "parent.jsonl", []string{
		claudeFixtureLine("parent-1", "user", "main conversation", base),
	})
	parentOutcome, err := svc.ProcessFile(ctx, parentPath, "ws-1", "jsonl", FileOptions{})
	if err != nil {
		t.Fatalf("parent pass: %v", err)
	}

	agent, err = st.GetConversation(ctx, agentOutcome.ConversationID)
	if err != nil {
		t.Fatalf("get agent after sweep: %v", err)
	}
	if agent.ParentConversationID == nil || *agent.ParentConversationID != parentOutcome.ConversationID {
		t.Fatalf("expected agent linked to parent after parent ingest")
	}
}
