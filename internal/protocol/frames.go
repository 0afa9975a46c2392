// Package protocol defines the WebSocket wire protocol (spec.md §6.1–§6.2):
// a tagged-variant frame envelope plus the concrete client->server and
// server->client frame payloads. Following §9's "dynamic event dispatch
// -> tagged variants" note, the runtime's event stream is modeled here as
// a sum type at the API boundary: one envelope, dispatched by Type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type enumerates every frame type in §6.1 and §6.2.
type Type string

// Client -> server frame types (§6.1).
const (
	TypeAuth             Type = "auth"
	TypeCreateSession    Type = "create_session"
	TypePrompt           Type = "prompt"
	TypeApprovalResponse Type = "approval_response"
	TypeCancel           Type = "cancel"
	TypeCommand          Type = "command"
	TypePing             Type = "ping"
)

// Server -> client frame types (§6.2).
const (
	TypeAuthSuccess       Type = "auth_success"
	TypeSessionCreated    Type = "session_created"
	TypeBundleDebugInfo   Type = "bundle_debug_info"
	TypeContentStart      Type = "content_start"
	TypeContentDelta      Type = "content_delta"
	TypeContentEnd        Type = "content_end"
	TypeThinkingDelta     Type = "thinking_delta"
	TypeThinkingFinal     Type = "thinking_final"
	TypeToolCall          Type = "tool_call"
	TypeToolResult        Type = "tool_result"
	TypeApprovalRequest   Type = "approval_request"
	TypeSessionFork       Type = "session_fork"
	TypeDisplayMessage    Type = "display_message"
	TypePromptComplete    Type = "prompt_complete"
	TypeCommandResult     Type = "command_result"
	TypeContextCompaction Type = "context_compaction"
	TypeSessionStart      Type = "session_start"
	TypeSessionEnd        Type = "session_end"
	TypeProviderRequest   Type = "provider_request"
	TypeProviderResponse  Type = "provider_response"
	TypeError             Type = "error"
	TypePong              Type = "pong"
)

// Envelope is the wire shape of every frame: a type tag plus an opaque
// payload, decoded into the concrete struct that matches Type.
type Envelope struct {
	Type            Type            `json:"type"`
	SessionID       string          `json:"session_id,omitempty"`
	ChildSessionID  string          `json:"child_session_id,omitempty"`
	ParentToolCall  string          `json:"parent_tool_call_id,omitempty"`
	NestingDepth    int             `json:"nesting_depth,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// NewEnvelope builds an envelope by marshaling payload.
func NewEnvelope(t Type, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", t, err)
	}
	return &Envelope{Type: t, Payload: raw}, nil
}

// ---- client -> server payloads ----

type AuthFrame struct {
	Token string `json:"token"`
}

type CreateSessionConfig struct {
	Bundle           string   `json:"bundle,omitempty"`
	Behaviors        []string `json:"behaviors,omitempty"`
	Provider         *string  `json:"provider,omitempty"`
	ShowThinking     bool     `json:"show_thinking,omitempty"`
	InitialTranscript []TranscriptEntry `json:"initial_transcript,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	ResumeSessionID  string   `json:"resume_session_id,omitempty"`
}

type CreateSessionFrame struct {
	Config CreateSessionConfig `json:"config"`
}

type PromptFrame struct {
	Content     string   `json:"content"`
	Images      []string `json:"images,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type ApprovalResponseFrame struct {
	ID     string `json:"id"`
	Choice string `json:"choice"`
}

type CancelFrame struct {
	Immediate bool `json:"immediate,omitempty"`
}

type CommandFrame struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ---- server -> client payloads ----

type AuthSuccessFrame struct{}

type SessionCreatedFrame struct {
	SessionID string `json:"session_id"`
	Bundle    string `json:"bundle"`
	Resumed   bool   `json:"resumed"`
}

type BundleDebugInfoFrame struct {
	Bundle    string         `json:"bundle"`
	Behaviors []string       `json:"behaviors"`
	MountInfo map[string]any `json:"mount_info,omitempty"`
}

// BlockType enumerates the streamed content block kinds (spec.md §3).
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse  BlockType = "tool_use"
)

type ContentStartFrame struct {
	Index     int       `json:"index"`
	Order     int       `json:"order"`
	BlockType BlockType `json:"block_type"`
}

type ContentDeltaFrame struct {
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

type ContentEndFrame struct {
	Index   int    `json:"index"`
	Content string `json:"content,omitempty"`
}

type ThinkingDeltaFrame struct {
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

type ThinkingFinalFrame struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
}

// ToolStatus enumerates the tool-call lifecycle (spec.md §3, invariant 2).
type ToolStatus string

const (
	ToolPending  ToolStatus = "pending"
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

type ToolCallFrame struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Order  int            `json:"order"`
	Status ToolStatus     `json:"status"`
}

type ToolResultFrame struct {
	ID      string         `json:"id"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type ApprovalRequestFrame struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	Timeout int      `json:"timeout"`
	Default string   `json:"default"`
}

type SessionForkFrame struct {
	ChildSessionID string `json:"child_session_id"`
	ParentToolCall string `json:"parent_tool_call_id,omitempty"`
}

type DisplayMessageFrame struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

type PromptCompleteFrame struct {
	Turn int `json:"turn"`
}

type CommandResultFrame struct {
	Name   string         `json:"name"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

type ContextCompactionFrame struct {
	Reason string `json:"reason,omitempty"`
}

type SessionStartFrame struct {
	Turn int `json:"turn"`
}

type SessionEndFrame struct {
	Status string `json:"status"` // active|idle|ended|errored
}

type ProviderRequestFrame struct {
	Provider string         `json:"provider"`
	Detail   map[string]any `json:"detail,omitempty"`
}

type ProviderResponseFrame struct {
	Provider string         `json:"provider"`
	Detail   map[string]any `json:"detail,omitempty"`
}

type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongFrame struct{}

// TranscriptEntry mirrors spec.md §3's append-only transcript record.
// Declared here (rather than in package transcript) because it is also
// the wire shape of CreateSessionConfig.InitialTranscript.
type TranscriptEntry struct {
	Role      string    `json:"role"` // user|assistant|system
	Timestamp string    `json:"timestamp"`
	Content   any        `json:"content"` // string or []ContentBlock
}

type ContentBlock struct {
	Type    string `json:"type"` // text|thinking|tool_use|tool_result
	Text    string `json:"text,omitempty"`
	ToolUse *ToolUseBlock `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
}

type ToolUseBlock struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolResultBlock struct {
	ToolUseID string         `json:"tool_use_id"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
}
