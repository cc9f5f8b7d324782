package event

type MessagePayload struct {
	Role        string           `json:"role"`
	Content     string           `json:"content"`
	ToolCalls   []ToolCallDetail `json:"tool_calls,omitempty"`
	CodeChanges []CodeChange     `json:"code_changes,omitempty"`
}

type ToolCallDetail struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result,omitempty"`
}

type CodeChange struct {
	FilePath  string `json:"file_path"`
	Operation string `json:"operation,omitempty"`
	Diff      string `json:"diff,omitempty"`
}

type ToolCallPayload struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

type SessionStartPayload struct {
	AgentType        string `json:"agent_type"`
	AgentVersion     string `json:"agent_version,omitempty"`
	ConversationType string `json:"conversation_type,omitempty"`
	ParentSessionID  string `json:"parent_session_id,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	GitBranch        string `json:"git_branch,omitempty"`
	Slug             string `json:"slug,omitempty"`
}

type SessionEndPayload struct {
	Success *bool  `json:"success,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
