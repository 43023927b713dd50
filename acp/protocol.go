package acp

import "encoding/json"

// ProtocolVersion is the ACP protocol version this agent implements.
const ProtocolVersion = 1

// ACP method names handled by the agent.
const (
	MethodInitialize    = "initialize"
	MethodAuthenticate  = "authenticate"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
	MethodSessionMode   = "session/set_mode"
	MethodSessionResume = "unstable_resumeSession"

	// Agent-sent notification.
	MethodSessionUpdate = "session/update"
)

// Session update kinds carried inside session/update notifications.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
)

// Stop reasons for a session/prompt response.
const (
	StopReasonEndTurn      = "end_turn"
	StopReasonCancelled    = "cancelled"
	StopReasonAuthRequired = "auth_required"
)

// InitializeParams is the payload of an initialize request.
type InitializeParams struct {
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
	ProtocolVersion    int             `json:"protocolVersion"`
}

// InitializeResult advertises agent capabilities back to the editor.
type InitializeResult struct {
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods"`
	ProtocolVersion   int               `json:"protocolVersion"`
}

// AgentCapabilities describes what this agent supports.
type AgentCapabilities struct {
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
	LoadSession        bool               `json:"loadSession"`
}

// PromptCapabilities describes accepted prompt content kinds.
type PromptCapabilities struct {
	Image           bool `json:"image"`
	EmbeddedContext bool `json:"embeddedContext"`
}

// AuthMethod names an authentication flow the editor may invoke. Auth is
// delegated entirely to the backend CLI, so the single advertised method
// is a no-op on the bridge side.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AuthenticateParams is the payload of an authenticate request.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// NewSessionParams is the payload of a session/new request.
type NewSessionParams struct {
	CWD        string          `json:"cwd,omitempty"`
	McpServers json.RawMessage `json:"mcpServers,omitempty"`
}

// NewSessionResult carries the allocated session id.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one element of a prompt or update content payload.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PromptParams is the payload of a session/prompt request.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult terminates a session/prompt exchange.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams is the payload of a session/cancel notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SetModeParams is the payload of a session/set_mode request.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// ResumeSessionParams is the payload of an unstable_resumeSession request.
type ResumeSessionParams struct {
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd,omitempty"`
}

// SessionUpdateParams is the payload of a session/update notification.
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is the polymorphic body of a session/update notification,
// discriminated by SessionUpdate ("sessionUpdate" on the wire).
type SessionUpdate struct {
	SessionUpdate string        `json:"sessionUpdate"`
	Content       *ContentBlock `json:"content,omitempty"`
	ToolCallID    string        `json:"toolCallId,omitempty"`
	Title         string        `json:"title,omitempty"`
	Kind          string        `json:"kind,omitempty"`
	Status        string        `json:"status,omitempty"`
}
