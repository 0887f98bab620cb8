// Package events defines the typed activity events derived from a coding
// agent's journal, and the per-session accumulator the agent adapter
// carries across records.
package events

import (
	"encoding/json"
	"time"
)

// Type discriminates the Event variants. Mirrors the teacher's
// session.Activity pattern (int enum with custom JSON marshaling) but
// over the five event kinds this system derives rather than session
// lifecycle states.
type Type int

const (
	SessionStart Type = iota
	SessionEnd
	FileOp
	Prompt
	AgentResponse
)

var typeNames = map[Type]string{
	SessionStart:  "session_start",
	SessionEnd:    "session_end",
	FileOp:        "file_op",
	Prompt:        "prompt",
	AgentResponse: "agent_response",
}

var typeFromName = map[string]Type{
	"session_start":  SessionStart,
	"session_end":    SessionEnd,
	"file_op":        FileOp,
	"prompt":         Prompt,
	"agent_response": AgentResponse,
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := typeFromName[s]; ok {
		*t = v
	}
	return nil
}

// Operation classifies a FileOp's effect on its target.
type Operation string

const (
	OpCreate  Operation = "create"
	OpModify  Operation = "modify"
	OpRead    Operation = "read"
	OpExecute Operation = "execute"
	OpSearch  Operation = "search"
)

// ResponseType distinguishes an AgentResponse's content.
type ResponseType string

const (
	ResponseText     ResponseType = "text"
	ResponseThinking ResponseType = "thinking"
)

// Event is the tagged union over {SessionStart, SessionEnd, FileOp,
// Prompt, AgentResponse}. Common fields are always populated; the
// variant-specific fields are zero-valued on variants that don't use
// them. A flat struct (rather than an interface hierarchy) keeps the
// shape tree-like and trivially serializable, per the no-back-references
// design note.
type Event struct {
	// Common fields.
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType Type      `json:"event_type"`
	UserID    string    `json:"user_id,omitempty"`   // filled at send time
	RepoName  string    `json:"repo_name,omitempty"` // filled at route time
	AgentType string    `json:"agent_type"`

	// SessionStart fields.
	Cwd          string `json:"cwd,omitempty"`
	GitBranch    string `json:"git_branch,omitempty"`
	GitRemoteURL string `json:"git_remote_url,omitempty"`
	Model        string `json:"model,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	IsRemote     bool   `json:"is_remote,omitempty"`
	DeviceName   string `json:"device_name,omitempty"`

	// FileOp fields.
	ToolName     string    `json:"tool_name,omitempty"`
	FilePath     string    `json:"file_path,omitempty"`
	FileOpKind   Operation `json:"operation,omitempty"`
	StartLine    *int      `json:"start_line,omitempty"`
	EndLine      *int      `json:"end_line,omitempty"`
	FunctionName string    `json:"function_name,omitempty"`
	BashCommand  string    `json:"bash_command,omitempty"`

	// Transient: tagged json:"-", so they are never serialized or sent.
	OldString string `json:"-"`
	NewString string `json:"-"`

	// Prompt / AgentResponse fields.
	PromptText   string       `json:"prompt_text,omitempty"`
	ResponseText string       `json:"response_text,omitempty"`
	ResponseType ResponseType `json:"response_type,omitempty"`
	TurnNumber   int          `json:"turn_number,omitempty"`

	// SessionEnd fields.
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
	DurationMS   int64    `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	TokenUsage   *Usage   `json:"token_usage,omitempty"`
	ResultText   string   `json:"result_text,omitempty"`
	FilesTouched []string `json:"files_touched,omitempty"`
}

// Usage mirrors the teacher's TokenUsage shape (monitor/jsonl.go),
// reused here for the SessionEnd token accounting.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

func (u Usage) TotalContext() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Sentinel file paths used by FileOp when the tool has no natural file
// target (bash/grep/glob).
const (
	SentinelBash = "(bash)"
	SentinelGrep = "(grep)"
	SentinelGlob = "(glob)"
)
