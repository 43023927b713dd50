package codex

import (
	"encoding/json"
	"strconv"
)

// Methods the adapter sends to the app-server.
const (
	MethodInitialize   = "initialize"
	MethodInitialized  = "initialized" // notification, no response
	MethodThreadStart  = "thread/start"
	MethodThreadResume = "thread/resume"
	MethodTurnStart    = "turn/start"
)

// Notification methods the app-server sends.
const (
	NotifyThreadStarted     = "thread/started"
	NotifyTurnStarted       = "turn/started"
	NotifyTurnCompleted     = "turn/completed"
	NotifyAgentMessageDelta = "agent_message/delta"
	NotifyReasoningDelta    = "reasoning/delta"
	NotifyItemStarted       = "item/started"
	NotifyItemCompleted     = "item/completed"
)

// Server-to-client approval requests recognized by name. Anything else is
// auto-declined.
const (
	RequestExecApproval  = "exec_command/approval"
	RequestPatchApproval = "apply_patch/approval"
)

// Thread item kinds.
const (
	ItemKindAgentMessage     = "agent_message"
	ItemKindReasoning        = "reasoning"
	ItemKindCommandExecution = "command_execution"
)

// Approval decisions.
const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

// rpcRequest is an outbound JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

// rpcNotification is an outbound JSON-RPC 2.0 notification.
type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse is an outbound answer to a server-initiated request. The id
// echoes the server's raw id bytes so string and numeric ids both work.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
}

// rpcError is the error member of an inbound response.
type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// inboundMessage is one decoded line from the app-server, shaped for
// classification: method plus id is a server request, id alone is a
// response to one of our calls, method alone is a notification.
type inboundMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

func (m *inboundMessage) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// numericID parses the inbound id as the int64 this adapter assigns to
// its own requests.
func (m *inboundMessage) numericID() (int64, bool) {
	id, err := strconv.ParseInt(string(m.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// initializeParams is the handshake payload.
type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// threadStartParams starts a fresh conversation thread.
type threadStartParams struct {
	Cwd string `json:"cwd,omitempty"`
}

// threadResumeParams reattaches to an existing thread.
type threadResumeParams struct {
	ThreadID string `json:"threadId"`
	Cwd      string `json:"cwd,omitempty"`
}

// threadResult is the response payload of thread/start and thread/resume.
type threadResult struct {
	ThreadID string `json:"threadId"`
}

// turnStartParams submits one prompt to the thread.
type turnStartParams struct {
	ThreadID string          `json:"threadId"`
	Input    []turnInputItem `json:"input"`
}

type turnInputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// turnResult is the response payload of turn/start. The returned turn id
// becomes the filter key for all subsequent event mapping.
type turnResult struct {
	TurnID string `json:"turnId"`
}

// threadStartedEvent announces the server-side thread handle.
type threadStartedEvent struct {
	ThreadID string `json:"threadId"`
}

// turnScopedEvent is the common shape of turn lifecycle notifications.
type turnScopedEvent struct {
	TurnID string `json:"turnId"`
}

// deltaEvent carries one incremental content chunk.
type deltaEvent struct {
	TurnID string `json:"turnId"`
	Delta  string `json:"delta"`
}

// itemEvent wraps item/started and item/completed payloads.
type itemEvent struct {
	TurnID string     `json:"turnId"`
	Item   threadItem `json:"item"`
}

// threadItem is one unit of turn output: a message, a reasoning block, or
// a command execution.
type threadItem struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Command  string `json:"command,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// approvalDecision answers a server-initiated approval request.
type approvalDecision struct {
	Decision string `json:"decision"`
}
