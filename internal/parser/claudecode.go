package parser

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kulesh/catsyphon-sub000/internal/event"
)

const metadataScanWindow = 100

// ClaudeCode parses Claude Code session logs: one JSON object per line, with
// session identity repeated on every message line and tool activity embedded
// in assistant content blocks.
type ClaudeCode struct{}

func NewClaudeCode() *ClaudeCode {
	return &ClaudeCode{}
}

func (p *ClaudeCode) Name() string { return "claude-code" }

type claudeLine struct {
	Type            string          `json:"type"`
	SessionID       string          `json:"sessionId"`
	ParentSessionID string          `json:"parentSessionId"`
	IsSidechain     bool            `json:"isSidechain"`
	CWD             string          `json:"cwd"`
	GitBranch       string          `json:"gitBranch"`
	Version         string          `json:"version"`
	Slug            string          `json:"slug"`
	Timestamp       string          `json:"timestamp"`
	Summary         string          `json:"summary"`
	Message         json.RawMessage `json:"message"`
}

type claudeMessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (p *ClaudeCode) CanProcess(path string) bool {
	if !strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return false
	}
	line, ok := firstLine(path)
	if !ok {
		return false
	}
	var probe claudeLine
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	if probe.SessionID != "" {
		return true
	}
	switch probe.Type {
	case "user", "assistant", "system", "summary":
		return true
	}
	return false
}

func (p *ClaudeCode) ParseMetadata(path string) (Metadata, error) {
	var meta Metadata
	err := scanLines(path, metadataScanWindow, func(line []byte) bool {
		var rec claudeLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return true
		}
		if rec.Summary != "" && meta.Slug == "" {
			meta.Slug = rec.Summary
		}
		if rec.SessionID == "" {
			return true
		}
		meta.SessionID = rec.SessionID
		meta.AgentType = "claude-code"
		meta.AgentVersion = rec.Version
		meta.WorkingDirectory = rec.CWD
		meta.GitBranch = rec.GitBranch
		if rec.Slug != "" {
			meta.Slug = rec.Slug
		}
		if rec.IsSidechain {
			meta.ConversationType = "agent"
			meta.ParentSessionID = rec.ParentSessionID
		} else {
			meta.ConversationType = "main"
		}
		return false
	})
	if err != nil {
		return Metadata{}, err
	}

	if meta.SessionID == "" {
		return Metadata{}, fmt.Errorf("%s: no session identity found: %w", path, ErrUnrecognized)
	}
	return meta, nil
}

func (p *ClaudeCode) ParseMessages(path string, offset int64, limit int) (Chunk, error) {
	return walkChunk(path, offset, limit, claudeLineToMessages)
}

func claudeLineToMessages(line []byte) ([]Message, error) {
	var rec claudeLine
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	if rec.Type != "user" && rec.Type != "assistant" {
		return nil, nil
	}
	if len(rec.Message) == 0 {
		return nil, nil
	}

	var body claudeMessageBody
	if err := json.Unmarshal(rec.Message, &body); err != nil {
		return nil, err
	}

	msg := Message{
		Role:      body.Role,
		Timestamp: parseTimestamp(rec.Timestamp),
	}
	if msg.Role == "" {
		msg.Role = rec.Type
	}

	// Content is either a plain string or a list of typed blocks.
	var text string
	if err := json.Unmarshal(body.Content, &text); err == nil {
		msg.Content = text
		return []Message{msg}, nil
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(body.Content, &blocks); err != nil {
		return nil, fmt.Errorf("unrecognized content shape: %w", err)
	}

	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			call := event.ToolCallDetail{Name: block.Name}
			if len(block.Input) > 0 {
				var params map[string]any
				if err := json.Unmarshal(block.Input, &params); err == nil {
					call.Parameters = params
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, call)
			if change, ok := claudeCodeChange(block.Name, call.Parameters); ok {
				msg.CodeChanges = append(msg.CodeChanges, change)
			}
		}
	}
	msg.Content = strings.Join(parts, "\n")

	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, nil
	}
	return []Message{msg}, nil
}

func claudeCodeChange(toolName string, params map[string]any) (event.CodeChange, bool) {
	switch toolName {
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
	default:
		return event.CodeChange{}, false
	}
	path, _ := params["file_path"].(string)
	if path == "" {
		return event.CodeChange{}, false
	}
	return event.CodeChange{FilePath: path, Operation: strings.ToLower(toolName)}, true
}
