// Package backend defines the adapter contract between the bridge and the
// external coding-agent CLIs it drives. Each backend speaks its own wire
// format; adapters translate it into the common Event shape so the rest of
// the bridge never branches on backend kind.
package backend

import (
	"context"
	"errors"
)

// ErrAuthRequired signals that the backend CLI needs the user to log in
// before it can do any work. It is a recognized state, not a failure: the
// caller reports it as a stop reason and tears down the backend handle so
// the next prompt starts from a clean process.
var ErrAuthRequired = errors.New("backend authentication required")

// EventKind discriminates Event variants.
type EventKind string

const (
	// EventText is a chunk of agent output text.
	EventText EventKind = "text"

	// EventToolCallStarted reports that the backend began executing a tool.
	EventToolCallStarted EventKind = "toolCallStarted"

	// EventToolCallResult reports completion of a previously started tool call.
	EventToolCallResult EventKind = "toolCallResult"

	// EventStopReason reports normal completion of the current turn.
	EventStopReason EventKind = "stopReason"

	// EventSessionIdentity carries the backend-assigned conversation handle,
	// recorded so a later start can resume the same thread.
	EventSessionIdentity EventKind = "sessionIdentity"

	// EventUnknown is produced for messages the adapter recognizes as
	// well-formed but has no mapping for. Callers skip these.
	EventUnknown EventKind = "unknown"
)

// Event is the common message shape produced by every adapter. Only
// primitive fields, so callers stay independent of the backend wire format.
type Event struct {
	Kind       EventKind
	Text       string
	Thought    bool // Text is model reasoning rather than the answer itself
	ToolName   string
	ToolCallID string
	StopReason string
	SessionID  string
	IsError    bool
}

// StartOptions configures a backend process launch.
type StartOptions struct {
	// WorkDir is the directory the backend operates in.
	WorkDir string

	// PermissionMode selects the backend's tool-permission behavior
	// (for example "default" or "bypassPermissions"). Empty means the
	// backend's own default.
	PermissionMode string

	// ResumeSessionID is a backend-assigned conversation handle from an
	// earlier run. When set, the adapter asks the backend to resume that
	// conversation instead of starting a new one.
	ResumeSessionID string

	// McpConfig is an inline MCP server configuration passed through to
	// backends that accept one.
	McpConfig string

	// Env holds extra environment variables for the backend process.
	Env map[string]string
}

// Backend is the capability interface implemented by every adapter.
//
// ReadMessage blocks for the next backend event; (nil, nil) means the
// stream ended cleanly and no more events will arrive. Stop is safe to
// call on an adapter that never started or already stopped.
type Backend interface {
	Start(ctx context.Context, opts StartOptions) error
	Stop() error
	SendPrompt(ctx context.Context, text string) error
	ReadMessage() (*Event, error)
}
