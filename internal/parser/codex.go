package parser

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kulesh/catsyphon-sub000/internal/event"
)

// Codex parses Codex CLI rollout logs: one JSON envelope per line with a
// session_meta header record followed by response_item records.
type Codex struct{}

func NewCodex() *Codex {
	return &Codex{}
}

func (p *Codex) Name() string { return "codex" }

type codexLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type codexSessionMeta struct {
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	CWD        string `json:"cwd"`
	Originator string `json:"originator"`
	CLIVersion string `json:"cli_version"`
	Git        struct {
		Branch string `json:"branch"`
	} `json:"git"`
}

type codexResponseItem struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	CallID    string          `json:"call_id"`
	Output    string          `json:"output"`
}

type codexContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *Codex) CanProcess(path string) bool {
	if !strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return false
	}
	line, ok := firstLine(path)
	if !ok {
		return false
	}
	var probe codexLine
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	switch probe.Type {
	case "session_meta", "response_item", "turn_context", "event_msg":
		return true
	}
	return false
}

func (p *Codex) ParseMetadata(path string) (Metadata, error) {
	var meta Metadata
	err := scanLines(path, metadataScanWindow, func(line []byte) bool {
		var rec codexLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return true
		}
		if rec.Type != "session_meta" {
			return true
		}
		var sm codexSessionMeta
		if err := json.Unmarshal(rec.Payload, &sm); err != nil {
			return true
		}
		meta.SessionID = sm.ID
		meta.AgentType = "codex"
		if sm.Originator != "" {
			meta.AgentType = sm.Originator
		}
		meta.AgentVersion = sm.CLIVersion
		meta.ConversationType = "main"
		meta.WorkingDirectory = sm.CWD
		meta.GitBranch = sm.Git.Branch
		return false
	})
	if err != nil {
		return Metadata{}, err
	}

	if meta.SessionID == "" {
		return Metadata{}, fmt.Errorf("%s: no session_meta record found: %w", path, ErrUnrecognized)
	}
	return meta, nil
}

func (p *Codex) ParseMessages(path string, offset int64, limit int) (Chunk, error) {
	return walkChunk(path, offset, limit, codexLineToMessages)
}

func codexLineToMessages(line []byte) ([]Message, error) {
	var rec codexLine
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	if rec.Type != "response_item" || len(rec.Payload) == 0 {
		return nil, nil
	}

	var item codexResponseItem
	if err := json.Unmarshal(rec.Payload, &item); err != nil {
		return nil, err
	}

	ts := parseTimestamp(rec.Timestamp)

	switch item.Type {
	case "message":
		msg := Message{Role: item.Role, Timestamp: ts}
		var parts []codexContentPart
		if err := json.Unmarshal(item.Content, &parts); err != nil {
			var text string
			if err := json.Unmarshal(item.Content, &text); err != nil {
				return nil, fmt.Errorf("unrecognized content shape: %w", err)
			}
			msg.Content = text
		} else {
			var texts []string
			for _, part := range parts {
				if strings.TrimSpace(part.Text) != "" {
					texts = append(texts, part.Text)
				}
			}
			msg.Content = strings.Join(texts, "\n")
		}
		if msg.Content == "" {
			return nil, nil
		}
		return []Message{msg}, nil

	case "function_call":
		call := event.ToolCallDetail{Name: item.Name}
		if item.Arguments != "" {
			var params map[string]any
			if err := json.Unmarshal([]byte(item.Arguments), &params); err == nil {
				call.Parameters = params
			}
		}
		msg := Message{Role: "assistant", Timestamp: ts, ToolCalls: []event.ToolCallDetail{call}}
		if change, ok := codexCodeChange(item.Name, call.Parameters); ok {
			msg.CodeChanges = append(msg.CodeChanges, change)
		}
		return []Message{msg}, nil

	case "function_call_output":
		if strings.TrimSpace(item.Output) == "" {
			return nil, nil
		}
		return []Message{{Role: "tool", Content: item.Output, Timestamp: ts}}, nil
	}

	return nil, nil
}

func codexCodeChange(toolName string, params map[string]any) (event.CodeChange, bool) {
	if toolName != "apply_patch" && toolName != "write_file" {
		return event.CodeChange{}, false
	}
	path, _ := params["path"].(string)
	if path == "" {
		path, _ = params["file_path"].(string)
	}
	if path == "" {
		return event.CodeChange{}, false
	}
	return event.CodeChange{FilePath: path, Operation: toolName}, true
}
