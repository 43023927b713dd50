// Package acp implements the editor-facing agent protocol: a newline
// delimited JSON-RPC stream on stdin/stdout, a session registry, and the
// prompt loop that republishes backend events as session/update
// notifications.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/bazelment/acp-bridge/backend"
	"github.com/bazelment/acp-bridge/settings"
)

// BackendFactory creates an unstarted backend adapter for a session.
// The Agent never branches on backend kind; variant selection happens
// entirely inside the factory.
type BackendFactory func(sess *Session) (backend.Backend, error)

// Agent owns the session registry and dispatches incoming protocol
// methods. It is fully synchronous: one envelope is read and handled at a
// time, and session/prompt blocks the agent for the whole backend turn.
// Because of that, no state here needs locking.
type Agent struct {
	transport  *Transport
	newBackend BackendFactory
	sessions   map[string]*Session
	clientCaps json.RawMessage

	// defaultPermissionMode seeds new sessions; session/set_mode can
	// change it per session afterwards.
	defaultPermissionMode string
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithPermissionMode sets the permission mode new sessions start with.
func WithPermissionMode(mode string) AgentOption {
	return func(a *Agent) {
		a.defaultPermissionMode = mode
	}
}

// NewAgent creates an Agent serving the given transport, using factory to
// create backend adapters on first prompt.
func NewAgent(t *Transport, factory BackendFactory, opts ...AgentOption) *Agent {
	a := &Agent{
		transport:  t,
		newBackend: factory,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run reads envelopes until the editor closes the stream. Rejected frames
// (bad JSON, wrong protocol version) are answered with an error response
// and the loop continues; only transport-level failures end the run.
func (a *Agent) Run() error {
	for {
		env, err := a.transport.ReadEnvelope()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				slog.Warn("rejected inbound frame", "error", perr)
				if werr := a.transport.WriteError(nil, perr.Code, perr.Message); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
		if env == nil {
			return nil
		}
		if err := a.dispatch(env); err != nil {
			return err
		}
	}
}

// dispatch routes one envelope to its handler and writes exactly one
// response when (and only when) the request carried an id.
func (a *Agent) dispatch(env *Envelope) error {
	// session/cancel is notification-only: it never produces a response,
	// not even for an unknown session id.
	if env.Method == MethodSessionCancel {
		a.handleCancel(env.Params)
		return nil
	}

	var result interface{}
	var rpcErr *ResponseError

	switch env.Method {
	case MethodInitialize:
		result, rpcErr = a.handleInitialize(env.Params)
	case MethodAuthenticate:
		result, rpcErr = a.handleAuthenticate(env.Params)
	case MethodSessionNew:
		result, rpcErr = a.handleNewSession(env.Params)
	case MethodSessionPrompt:
		result, rpcErr = a.handlePrompt(env.Params)
	case MethodSessionMode:
		result, rpcErr = a.handleSetMode(env.Params)
	case MethodSessionResume:
		result, rpcErr = a.handleResumeSession(env.Params)
	default:
		if !env.HasID() {
			slog.Debug("dropping unknown notification", "method", env.Method)
			return nil
		}
		return a.transport.WriteError(env.ID, ErrCodeMethodNotFound, "method not found: "+env.Method)
	}

	if !env.HasID() {
		return nil
	}
	if rpcErr != nil {
		return a.transport.WriteError(env.ID, rpcErr.Code, rpcErr.Message)
	}
	return a.transport.WriteResponse(env.ID, result)
}

func (a *Agent) handleInitialize(params json.RawMessage) (interface{}, *ResponseError) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &ResponseError{Code: ErrCodeInvalidParams, Message: "invalid initialize params"}
		}
	}
	a.clientCaps = p.ClientCapabilities
	if p.ProtocolVersion != 0 && p.ProtocolVersion != ProtocolVersion {
		slog.Warn("client requested unsupported protocol version", "requested", p.ProtocolVersion, "supported", ProtocolVersion)
	}
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		AgentCapabilities: AgentCapabilities{
			LoadSession: true,
		},
		AuthMethods: []AuthMethod{
			{ID: "cli", Name: "Backend CLI login", Description: "Authenticate with the backend's own login command"},
		},
	}, nil
}

// handleAuthenticate acknowledges any advertised auth method. Auth is
// delegated to the backend CLI; acknowledging here lets the editor
// proceed to prompting, where the backend reports auth_required if a
// login is actually needed.
func (a *Agent) handleAuthenticate(params json.RawMessage) (interface{}, *ResponseError) {
	var p AuthenticateParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &ResponseError{Code: ErrCodeInvalidParams, Message: "invalid authenticate params"}
		}
	}
	slog.Info("authenticate acknowledged", "methodId", p.MethodID)
	return struct{}{}, nil
}

func (a *Agent) handleNewSession(params json.RawMessage) (interface{}, *ResponseError) {
	var p NewSessionParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &ResponseError{Code: ErrCodeInvalidParams, Message: "invalid session/new params"}
		}
	}

	sess := &Session{
		ID:             newSessionID(),
		WorkDir:        p.CWD,
		PermissionMode: a.defaultPermissionMode,
		Settings:       settings.Load(p.CWD),
	}
	a.sessions[sess.ID] = sess

	slog.Info("session created", "sessionId", sess.ID, "cwd", sess.WorkDir)
	return NewSessionResult{SessionID: sess.ID}, nil
}

func (a *Agent) handlePrompt(params json.RawMessage) (interface{}, *ResponseError) {
	var p PromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ResponseError{Code: ErrCodeInvalidParams, Message: "invalid session/prompt params"}
	}
	sess, ok := a.sessions[p.SessionID]
	if !ok {
		return nil, &ResponseError{Code: ErrCodeInvalidParams, Message: ErrSessionNotFound.Error()}
	}

	// A new prompt clears any cancellation left over from the last turn.
	sess.Cancelled = false

	if sess.backend == nil {
		b, err := a.startBackend(sess)
		if err != nil {
			// The session keeps no backend handle; the next prompt retries.
			slog.Error("backend start failed", "sessionId", sess.ID, "error", err)
			return nil, &ResponseError{Code: ErrCodeInternalError, Message: "failed to start backend: " + err.Error()}
		}
		sess.backend = b
	}

	if err := sess.backend.SendPrompt(context.Background(), promptText(p.Prompt)); err != nil {
		if errors.Is(err, backend.ErrAuthRequired) {
			a.teardownBackend(sess)
			return PromptResult{StopReason: StopReasonAuthRequired}, nil
		}
		slog.Error("prompt send failed", "sessionId", sess.ID, "error", err)
		return nil, &ResponseError{Code: ErrCodeInternalError, Message: "failed to send prompt: " + err.Error()}
	}

	return PromptResult{StopReason: a.drainEvents(sess)}, nil
}

// startBackend creates and starts the session's backend adapter.
func (a *Agent) startBackend(sess *Session) (backend.Backend, error) {
	b, err := a.newBackend(sess)
	if err != nil {
		return nil, err
	}
	err = b.Start(context.Background(), backend.StartOptions{
		WorkDir:         sess.WorkDir,
		PermissionMode:  sess.PermissionMode,
		ResumeSessionID: sess.BackendSessionID,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// drainEvents runs one backend turn: it pulls adapter events and
// republishes them as session/update notifications until the backend
// reports completion. Cancellation is checked between reads only, so a
// cancel that lands mid-read takes effect after the current event is
// processed.
func (a *Agent) drainEvents(sess *Session) string {
	for {
		if sess.Cancelled {
			return StopReasonCancelled
		}

		ev, err := sess.backend.ReadMessage()
		if err != nil {
			if errors.Is(err, backend.ErrAuthRequired) {
				a.teardownBackend(sess)
				return StopReasonAuthRequired
			}
			// Fail soft: the editor always gets a terminating response.
			slog.Error("backend read failed", "sessionId", sess.ID, "error", err)
			return StopReasonEndTurn
		}
		if ev == nil {
			return StopReasonEndTurn
		}

		switch ev.Kind {
		case backend.EventText:
			kind := UpdateAgentMessageChunk
			if ev.Thought {
				kind = UpdateAgentThoughtChunk
			}
			a.notifyUpdate(sess.ID, SessionUpdate{
				SessionUpdate: kind,
				Content:       &ContentBlock{Type: "text", Text: ev.Text},
			})

		case backend.EventToolCallStarted:
			if !sess.IsToolAllowed(ev.ToolName) {
				slog.Warn("suppressing denied tool call", "sessionId", sess.ID, "tool", ev.ToolName)
				continue
			}
			a.notifyUpdate(sess.ID, SessionUpdate{
				SessionUpdate: UpdateToolCall,
				ToolCallID:    ev.ToolCallID,
				Title:         ev.ToolName,
				Status:        "in_progress",
			})

		case backend.EventToolCallResult:
			status := "completed"
			if ev.IsError {
				status = "failed"
			}
			a.notifyUpdate(sess.ID, SessionUpdate{
				SessionUpdate: UpdateToolCallUpdate,
				ToolCallID:    ev.ToolCallID,
				Status:        status,
			})

		case backend.EventStopReason:
			return StopReasonEndTurn

		case backend.EventSessionIdentity:
			sess.BackendSessionID = ev.SessionID

		default:
			// Unknown events are informational; skip them.
		}
	}
}

func (a *Agent) handleSetMode(params json.RawMessage) (interface{}, *ResponseError) {
	var p SetModeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &ResponseError{Code: ErrCodeInvalidParams, Message: "invalid session/set_mode params"}
	}
	sess, ok := a.sessions[p.SessionID]
	if !ok {
		return nil, &ResponseError{Code: ErrCodeInvalidParams, Message: ErrSessionNotFound.Error()}
	}
	// Takes effect on the next backend start; a running backend keeps the
	// mode it was launched with.
	sess.PermissionMode = p.ModeID
	return struct{}{}, nil
}

func (a *Agent) handleResumeSession(params json.RawMessage) (interface{}, *ResponseError) {
	var p ResumeSessionParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &ResponseError{Code: ErrCodeInvalidParams, Message: "invalid unstable_resumeSession params"}
	}

	// Idempotent: resuming an already-registered session returns it as is.
	if sess, ok := a.sessions[p.SessionID]; ok {
		return NewSessionResult{SessionID: sess.ID}, nil
	}

	sess := &Session{
		ID:             p.SessionID,
		WorkDir:        p.CWD,
		PermissionMode: a.defaultPermissionMode,
		Settings:       settings.Load(p.CWD),
		// Best effort: ask the backend to pick the conversation back up
		// under the same handle. No backend is started yet.
		BackendSessionID: p.SessionID,
	}
	a.sessions[sess.ID] = sess

	slog.Info("session resumed", "sessionId", sess.ID, "cwd", sess.WorkDir)
	return NewSessionResult{SessionID: sess.ID}, nil
}

func (a *Agent) handleCancel(params json.RawMessage) {
	var p CancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		slog.Warn("invalid session/cancel params", "error", err)
		return
	}
	sess, ok := a.sessions[p.SessionID]
	if !ok {
		slog.Debug("cancel for unknown session", "sessionId", p.SessionID)
		return
	}
	sess.Cancelled = true
	a.teardownBackend(sess)
}

// teardownBackend stops and forgets the session's backend so the next
// prompt starts a fresh process.
func (a *Agent) teardownBackend(sess *Session) {
	if sess.backend == nil {
		return
	}
	if err := sess.backend.Stop(); err != nil {
		slog.Warn("backend stop failed", "sessionId", sess.ID, "error", err)
	}
	sess.backend = nil
}

// notifyUpdate emits one session/update notification. Write failures are
// logged rather than propagated: losing a single update must not abort
// the turn.
func (a *Agent) notifyUpdate(sessionID string, update SessionUpdate) {
	err := a.transport.WriteNotification(MethodSessionUpdate, SessionUpdateParams{
		SessionID: sessionID,
		Update:    update,
	})
	if err != nil {
		slog.Error("session/update write failed", "sessionId", sessionID, "error", err)
	}
}

// promptText flattens the prompt content blocks into the single text the
// backend receives. Non-text blocks are ignored.
func promptText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
