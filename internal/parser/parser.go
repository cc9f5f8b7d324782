package parser

import (
	"errors"
	"time"

	"github.com/kulesh/catsyphon-sub000/internal/event"
)

// ErrUnrecognized is returned when no registered parser claims a file.
var ErrUnrecognized = errors.New("unrecognized log format")

// Metadata establishes a file's conversation identity. Parsers read only as
// much of the file as needed to fill it, independent of message volume.
type Metadata struct {
	SessionID        string
	AgentType        string
	AgentVersion     string
	ConversationType string
	ParentSessionID  string
	WorkingDirectory string
	GitBranch        string
	Slug             string
}

// Message is one normalized log message, not yet an event.
type Message struct {
	Role        string
	Content     string
	Timestamp   time.Time
	ToolCalls   []event.ToolCallDetail
	CodeChanges []event.CodeChange
}

// Chunk is a bounded batch of parsed messages plus the resumption point.
// NextLine counts the source lines consumed by the call that produced it;
// callers accumulate it into their checkpoint.
type Chunk struct {
	Messages    []Message
	NextOffset  int64
	NextLine    int
	IsLast      bool
	PartialHash string
	FileSize    int64
}

// Parser converts one on-disk log format into metadata and message chunks.
// ParseMessages is resumable: calling it repeatedly with the previous chunk's
// NextOffset walks the whole file with peak memory bounded by limit.
type Parser interface {
	Name() string
	CanProcess(path string) bool
	ParseMetadata(path string) (Metadata, error)
	ParseMessages(path string, offset int64, limit int) (Chunk, error)
}

// Parse exhausts a file through the chunked protocol. It is defined purely as
// repeated ParseMessages application and must match a single large-limit call.
func Parse(p Parser, path string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []Message
	var offset int64
	for {
		chunk, err := p.ParseMessages(path, offset, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk.Messages...)
		if chunk.IsLast {
			return out, nil
		}
		offset = chunk.NextOffset
	}
}

// Registry is an explicit ordered list of parsers tried in turn. It is built
// once at startup and passed by reference; there is no global registration.
type Registry struct {
	parsers []Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

// Default returns the registry covering the known agent log formats.
func Default() *Registry {
	return NewRegistry(NewClaudeCode(), NewCodex())
}

func (r *Registry) Resolve(path string) (Parser, bool) {
	for _, p := range r.parsers {
		if p.CanProcess(path) {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) Parsers() []Parser {
	return r.parsers
}
