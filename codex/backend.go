// Package codex adapts the Codex CLI's app-server protocol to the common
// backend interface. Unlike the line-event backends, the app-server
// speaks full bidirectional JSON-RPC over stdio: the adapter correlates
// responses to its own requests, answers server-initiated approval
// requests, and de-duplicates delta/completed content pairs.
package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bazelment/acp-bridge/backend"
	"github.com/bazelment/acp-bridge/internal/procattr"
)

// Config holds launch configuration fixed per backend instance.
type Config struct {
	// CLIPath is the codex binary. Empty means "codex" from PATH.
	CLIPath string

	// ExtraArgs are appended after the app-server subcommand.
	ExtraArgs []string
}

// Option configures a Backend.
type Option func(*Config)

// WithCLIPath sets the codex binary path.
func WithCLIPath(path string) Option {
	return func(c *Config) { c.CLIPath = path }
}

// WithExtraArgs appends extra CLI arguments.
func WithExtraArgs(args ...string) Option {
	return func(c *Config) { c.ExtraArgs = append(c.ExtraArgs, args...) }
}

// Backend drives one codex app-server process.
type Backend struct {
	stdin  io.WriteCloser
	reader *bufio.Reader
	cmd    *exec.Cmd
	config Config

	// pending correlates outbound request ids to the method that issued
	// them; entries are removed exactly once, on response or teardown.
	pending map[int64]string

	// queue holds events mapped from notifications that arrived while a
	// call was blocked waiting for its response. Ownership of a queued
	// event moves to the queue; ReadMessage replays them in order.
	queue []*backend.Event

	idGen atomic.Int64

	threadID string
	turnID   string

	// Delta/completed de-duplication, reset at the start of every turn:
	// once a delta of a kind streamed in this turn, the completed item of
	// that same kind is suppressed.
	sawTextDelta      bool
	sawReasoningDelta bool

	started  bool
	stopping bool
}

// New creates an unstarted codex backend.
func New(opts ...Option) *Backend {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Backend{
		config:  cfg,
		pending: make(map[int64]string),
	}
}

// Start spawns the app-server and performs the synchronous handshake:
// initialize, initialized, then thread/resume (falling back to
// thread/start) or thread/start.
func (b *Backend) Start(ctx context.Context, opts backend.StartOptions) error {
	if b.started {
		return ErrAlreadyStarted
	}

	cliPath := b.config.CLIPath
	if cliPath == "" {
		cliPath = "codex"
	}

	args := append([]string{"app-server"}, b.config.ExtraArgs...)
	b.cmd = exec.CommandContext(ctx, cliPath, args...)

	// Configure process group for orphan prevention.
	procattr.Set(b.cmd)

	if opts.WorkDir != "" {
		b.cmd.Dir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		b.cmd.Env = os.Environ()
		for k, v := range opts.Env {
			b.cmd.Env = append(b.cmd.Env, k+"="+v)
		}
	}

	var err error
	b.stdin, err = b.cmd.StdinPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stdin pipe", Cause: err}
	}

	stdout, err := b.cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{Message: "failed to create stdout pipe", Cause: err}
	}
	b.reader = bufio.NewReader(stdout)

	b.cmd.Stderr = os.Stderr

	if err := b.cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &CLINotFoundError{Path: cliPath, Cause: err}
		}
		return &ProcessError{Message: "failed to start app-server process", Cause: err}
	}
	b.started = true

	if err := b.handshake(opts); err != nil {
		b.Stop()
		b.started = false
		return err
	}
	return nil
}

func (b *Backend) handshake(opts backend.StartOptions) error {
	if _, err := b.call(MethodInitialize, initializeParams{
		ClientInfo: clientInfo{Name: "acp-bridge", Version: "dev"},
	}); err != nil {
		return err
	}
	if err := b.notify(MethodInitialized, nil); err != nil {
		return err
	}

	if opts.ResumeSessionID != "" {
		result, err := b.call(MethodThreadResume, threadResumeParams{
			ThreadID: opts.ResumeSessionID,
			Cwd:      opts.WorkDir,
		})
		if err == nil {
			return b.recordThread(result)
		}
		// Resume is best effort: a dead thread id falls back to a fresh
		// thread instead of failing the start.
		slog.Warn("thread resume failed, starting fresh", "threadId", opts.ResumeSessionID, "error", err)
	}

	result, err := b.call(MethodThreadStart, threadStartParams{Cwd: opts.WorkDir})
	if err != nil {
		return err
	}
	return b.recordThread(result)
}

func (b *Backend) recordThread(result json.RawMessage) error {
	var tr threadResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return &ProcessError{Message: "malformed thread response", Cause: err}
	}
	b.threadID = tr.ThreadID
	return nil
}

// SendPrompt issues turn/start and blocks for its response. The returned
// turn id becomes the filter key for all subsequent event mapping.
func (b *Backend) SendPrompt(ctx context.Context, text string) error {
	if !b.started {
		return ErrNotStarted
	}
	if b.stopping {
		return ErrStopping
	}

	// New turn: reset delta de-duplication.
	b.sawTextDelta = false
	b.sawReasoningDelta = false

	result, err := b.call(MethodTurnStart, turnStartParams{
		ThreadID: b.threadID,
		Input:    []turnInputItem{{Type: "text", Text: text}},
	})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && looksLikeAuthFailure(rpcErr.Message) {
			return backend.ErrAuthRequired
		}
		return err
	}

	var tr turnResult
	if err := json.Unmarshal(result, &tr); err != nil {
		return &ProcessError{Message: "malformed turn/start response", Cause: err}
	}
	b.turnID = tr.TurnID
	return nil
}

// ReadMessage returns the next mapped event, replaying any events queued
// while a call was blocked. It returns (nil, nil) on end of stream.
func (b *Backend) ReadMessage() (*backend.Event, error) {
	if b.reader == nil {
		return nil, ErrNotStarted
	}

	if len(b.queue) > 0 {
		ev := b.queue[0]
		b.queue = b.queue[1:]
		return ev, nil
	}

	for {
		msg, err := b.readInbound()
		if err != nil {
			return nil, nil
		}

		switch {
		case msg.Method != "" && msg.hasID():
			b.answerServerRequest(msg)

		case msg.hasID():
			// A response with no caller waiting: the call that issued it
			// has already returned. Log and drop.
			if id, ok := msg.numericID(); ok {
				if method, exists := b.pending[id]; exists {
					delete(b.pending, id)
					slog.Warn("dropping late response", "id", id, "method", method)
					continue
				}
			}
			slog.Warn("dropping response with no pending request", "id", string(msg.ID))

		case msg.Method != "":
			if ev := b.mapNotification(msg.Method, msg.Params); ev != nil {
				return ev, nil
			}
		}
	}
}

// call sends a request and blocks until its response arrives. Server
// requests received meanwhile are answered inline; notifications are
// mapped and queued for the next ReadMessage.
func (b *Backend) call(method string, params interface{}) (json.RawMessage, error) {
	id := b.idGen.Add(1)
	b.pending[id] = method

	err := b.writeLine(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(b.pending, id)
		return nil, err
	}

	for {
		msg, err := b.readInbound()
		if err != nil {
			delete(b.pending, id)
			return nil, &ProcessError{Message: "app-server stream ended while awaiting " + method, Cause: err}
		}

		switch {
		case msg.Method != "" && msg.hasID():
			b.answerServerRequest(msg)

		case msg.hasID():
			rid, ok := msg.numericID()
			if !ok {
				slog.Warn("dropping response with non-numeric id", "id", string(msg.ID))
				continue
			}
			if _, exists := b.pending[rid]; !exists {
				slog.Warn("dropping response with no pending request", "id", rid)
				continue
			}
			delete(b.pending, rid)
			if rid != id {
				slog.Warn("dropping response for a different request", "id", rid, "awaiting", id)
				continue
			}
			if msg.Error != nil {
				return nil, &RPCError{Code: msg.Error.Code, Message: msg.Error.Message}
			}
			return msg.Result, nil

		case msg.Method != "":
			if ev := b.mapNotification(msg.Method, msg.Params); ev != nil {
				b.queue = append(b.queue, ev)
			}
		}
	}
}

// notify sends a notification; no response is expected.
func (b *Backend) notify(method string, params interface{}) error {
	return b.writeLine(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// answerServerRequest auto-answers a server-initiated request. Approval
// requests recognized by method name are accepted; anything unrecognized
// is declined with a generic rejection decision.
func (b *Backend) answerServerRequest(msg *inboundMessage) {
	decision := DecisionRejected
	switch msg.Method {
	case RequestExecApproval, RequestPatchApproval:
		decision = DecisionAccepted
	default:
		slog.Warn("declining unrecognized server request", "method", msg.Method)
	}
	err := b.writeLine(rpcResponse{JSONRPC: "2.0", ID: msg.ID, Result: approvalDecision{Decision: decision}})
	if err != nil {
		slog.Error("server request answer failed", "method", msg.Method, "error", err)
	}
}

// mapNotification translates a notification into a common event. Nil
// means the notification carried nothing to surface: informational
// methods, stale turns, and suppressed duplicates all map to nil.
func (b *Backend) mapNotification(method string, params json.RawMessage) *backend.Event {
	switch method {
	case NotifyThreadStarted:
		var e threadStartedEvent
		if err := json.Unmarshal(params, &e); err != nil {
			slog.Warn("malformed thread/started payload", "error", err)
			return nil
		}
		b.threadID = e.ThreadID
		return &backend.Event{Kind: backend.EventSessionIdentity, SessionID: e.ThreadID}

	case NotifyTurnStarted:
		// Informational. The authoritative turn id comes from the
		// turn/start response, not this notification.
		return nil

	case NotifyTurnCompleted:
		var e turnScopedEvent
		if err := json.Unmarshal(params, &e); err != nil || b.staleTurn(e.TurnID) {
			return nil
		}
		return &backend.Event{Kind: backend.EventStopReason, StopReason: "end_turn"}

	case NotifyAgentMessageDelta:
		var e deltaEvent
		if err := json.Unmarshal(params, &e); err != nil || b.staleTurn(e.TurnID) {
			return nil
		}
		b.sawTextDelta = true
		return &backend.Event{Kind: backend.EventText, Text: e.Delta}

	case NotifyReasoningDelta:
		var e deltaEvent
		if err := json.Unmarshal(params, &e); err != nil || b.staleTurn(e.TurnID) {
			return nil
		}
		b.sawReasoningDelta = true
		return &backend.Event{Kind: backend.EventText, Text: e.Delta, Thought: true}

	case NotifyItemStarted:
		var e itemEvent
		if err := json.Unmarshal(params, &e); err != nil || b.staleTurn(e.TurnID) {
			return nil
		}
		// Only command executions are worth announcing at start time.
		if e.Item.Type != ItemKindCommandExecution {
			return nil
		}
		title := e.Item.Command
		if title == "" {
			title = e.Item.Type
		}
		return &backend.Event{
			Kind:       backend.EventToolCallStarted,
			ToolName:   title,
			ToolCallID: e.Item.ID,
		}

	case NotifyItemCompleted:
		var e itemEvent
		if err := json.Unmarshal(params, &e); err != nil || b.staleTurn(e.TurnID) {
			return nil
		}
		return b.mapCompletedItem(&e.Item)

	default:
		slog.Debug("unknown app-server notification", "method", method)
		return nil
	}
}

func (b *Backend) mapCompletedItem(item *threadItem) *backend.Event {
	switch item.Type {
	case ItemKindAgentMessage:
		if b.sawTextDelta {
			// The content already streamed as deltas this turn.
			return nil
		}
		return &backend.Event{Kind: backend.EventText, Text: item.Text}

	case ItemKindReasoning:
		if b.sawReasoningDelta {
			return nil
		}
		return &backend.Event{Kind: backend.EventText, Text: item.Text, Thought: true}

	case ItemKindCommandExecution:
		return &backend.Event{
			Kind:       backend.EventToolCallResult,
			ToolCallID: item.ID,
			IsError:    item.ExitCode != nil && *item.ExitCode != 0,
		}

	default:
		return nil
	}
}

// staleTurn reports whether an event's turn id disagrees with the turn
// this adapter is currently tracking.
func (b *Backend) staleTurn(turnID string) bool {
	return turnID != b.turnID
}

// readInbound reads lines until one decodes as a JSON-RPC message.
// Malformed lines are logged and dropped.
func (b *Backend) readInbound() (*inboundMessage, error) {
	for {
		line, err := b.reader.ReadBytes('\n')
		line = trimNewline(line)
		if len(line) == 0 {
			if err != nil {
				return nil, io.EOF
			}
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("dropping malformed app-server output", "error", err, "line", string(line))
			continue
		}
		return &msg, nil
	}
}

// writeLine marshals v and emits it as one atomic line write.
func (b *Backend) writeLine(v interface{}) error {
	if b.stdin == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = b.stdin.Write(append(data, '\n'))
	return err
}

// Stop gracefully shuts down the app-server. Safe to call on a backend
// that never started or already stopped.
func (b *Backend) Stop() error {
	if !b.started || b.stopping {
		return nil
	}
	b.stopping = true

	for id := range b.pending {
		delete(b.pending, id)
	}

	if b.stdin != nil {
		b.stdin.Close()
	}

	done := make(chan error, 1)
	go func() {
		done <- b.cmd.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	if b.cmd.Process != nil {
		_ = procattr.SignalGroup(b.cmd.Process, syscall.SIGTERM)
	}

	select {
	case <-done:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	if b.cmd.Process != nil {
		_ = procattr.KillGroup(b.cmd.Process)
	}

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}

	return nil
}

// looksLikeAuthFailure recognizes login-required error messages.
func looksLikeAuthFailure(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "login") ||
		strings.Contains(lower, "not authenticated") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "api key")
}

func trimNewline(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
