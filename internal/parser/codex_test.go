package parser

import (
	"os"
	"path/filepath"
	"testing"
)

const codexFixture = `{"type":"session_meta","timestamp":"2025-03-01T09:00:00Z","payload":{"id":"codex-sess-1","timestamp":"2025-03-01T09:00:00Z","cwd":"/work/api","originator":"codex_cli_rs","cli_version":"0.9.2","git":{"branch":"feature/x"}}}
{"type":"turn_context","timestamp":"2025-03-01T09:00:01Z","payload":{"model":"o4-mini"}}
{"type":"response_item","timestamp":"2025-03-01T09:00:02Z","payload":{"type":"message","role":"user","content":[{"type":"input_text","text":"fix the handler"}]}}
{"type":"response_item","timestamp":"2025-03-01T09:00:03Z","payload":{"type":"function_call","name":"apply_patch","arguments":"{\"path\":\"/work/api/handler.go\"}","call_id":"call_1"}}
{"type":"response_item","timestamp":"2025-03-01T09:00:04Z","payload":{"type":"function_call_output","call_id":"call_1","output":"Done"}}
{"type":"response_item","timestamp":"2025-03-01T09:00:05Z","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Patched the handler."}]}}
`

func writeCodexFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestCodexParseMetadata(t *testing.T) {
	path := writeCodexFixture(t, codexFixture)

	p := NewCodex()
	if !p.CanProcess(path) {
		t.Fatalf("expected CanProcess to accept fixture")
	}

	meta, err := p.ParseMetadata(path)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.SessionID != "codex-sess-1" {
		t.Fatalf("unexpected session id %q", meta.SessionID)
	}
	if meta.AgentType != "codex_cli_rs" || meta.AgentVersion != "0.9.2" {
		t.Fatalf("unexpected agent identity: %+v", meta)
	}
	if meta.GitBranch != "feature/x" || meta.WorkingDirectory != "/work/api" {
		t.Fatalf("unexpected workspace metadata: %+v", meta)
	}
}

func TestCodexParseMessages(t *testing.T) {
	path := writeCodexFixture(t, codexFixture)

	msgs, err := Parse(NewCodex(), path, 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}

	if msgs[0].Role != "user" || msgs[0].Content != "fix the handler" {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "apply_patch" {
		t.Fatalf("expected function_call message, got %+v", msgs[1])
	}
	if len(msgs[1].CodeChanges) != 1 || msgs[1].CodeChanges[0].FilePath != "/work/api/handler.go" {
		t.Fatalf("unexpected code changes: %+v", msgs[1].CodeChanges)
	}
	if msgs[2].Role != "tool" || msgs[2].Content != "Done" {
		t.Fatalf("unexpected tool output message: %+v", msgs[2])
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != "Patched the handler." {
		t.Fatalf("unexpected assistant message: %+v", msgs[3])
	}
}

func TestCodexMetadataOnlyFile(t *testing.T) {
	meta := `{"type":"session_meta","timestamp":"2025-03-01T09:00:00Z","payload":{"id":"codex-sess-2","cwd":"/work/api","originator":"codex_cli_rs","cli_version":"0.9.2"}}` + "\n"
	path := writeCodexFixture(t, meta)

	msgs, err := Parse(NewCodex(), path, 10)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("metadata-only file should yield zero messages, got %d", len(msgs))
	}
}

func TestRegistryResolvesByFormat(t *testing.T) {
	registry := Default()

	codexPath := writeCodexFixture(t, codexFixture)
	p, ok := registry.Resolve(codexPath)
	if !ok || p.Name() != "codex" {
		t.Fatalf("expected codex parser, got %v ok=%v", p, ok)
	}

	claudePath := writeClaudeFixture(t, t.TempDir(), 2)
	p, ok = registry.Resolve(claudePath)
	if !ok || p.Name() != "claude-code" {
		t.Fatalf("expected claude-code parser, got %v ok=%v", p, ok)
	}

	otherPath := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(otherPath, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, ok := registry.Resolve(otherPath); ok {
		t.Fatalf("expected no parser for plain text file")
	}
}
