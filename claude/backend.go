// Package claude adapts the Claude Code CLI's line-delimited stream-JSON
// protocol to the common backend interface. The CLI is launched in
// streaming print mode; every line of its stdout is one JSON object
// tagged by a "type" field.
package claude

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
	"syscall"
	"time"

	"github.com/bazelment/acp-bridge/backend"
	"github.com/bazelment/acp-bridge/internal/procattr"
)

// Config holds launch configuration that is fixed per backend instance
// (as opposed to the per-start options passed to Start).
type Config struct {
	// CLIPath is the claude binary. Empty means "claude" from PATH.
	CLIPath string

	// McpConfig is an inline MCP server configuration appended to the
	// CLI arguments when no per-start config is given.
	McpConfig string

	// ExtraArgs are appended verbatim to the CLI arguments (escape hatch).
	ExtraArgs []string
}

// Option configures a Backend.
type Option func(*Config)

// WithCLIPath sets the claude binary path.
func WithCLIPath(path string) Option {
	return func(c *Config) { c.CLIPath = path }
}

// WithMcpConfig sets an inline MCP server configuration.
func WithMcpConfig(cfg string) Option {
	return func(c *Config) { c.McpConfig = cfg }
}

// WithExtraArgs appends extra CLI arguments.
func WithExtraArgs(args ...string) Option {
	return func(c *Config) { c.ExtraArgs = append(c.ExtraArgs, args...) }
}

// Backend drives one claude CLI process. stdin and stdout are pipes;
// stderr is inherited so CLI diagnostics land in the bridge's own stderr.
type Backend struct {
	stdin    io.WriteCloser
	reader   *bufio.Reader
	cmd      *exec.Cmd
	config   Config
	started  bool
	stopping bool
}

// New creates an unstarted claude backend.
func New(opts ...Option) *Backend {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Backend{config: cfg}
}

// BuildCLIArgs builds the CLI argument list for the given start options.
func (b *Backend) BuildCLIArgs(opts backend.StartOptions) []string {
	args := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
	}

	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}

	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}

	mcpConfig := opts.McpConfig
	if mcpConfig == "" {
		mcpConfig = b.config.McpConfig
	}
	if mcpConfig != "" {
		args = append(args, "--mcp-config", mcpConfig)
	}

	// Add extra args (escape hatch)
	args = append(args, b.config.ExtraArgs...)

	return args
}

// Start spawns the CLI process.
func (b *Backend) Start(ctx context.Context, opts backend.StartOptions) error {
	if b.started {
		return ErrAlreadyStarted
	}

	cliPath := b.config.CLIPath
	if cliPath == "" {
		cliPath = "claude"
	}

	b.cmd = exec.CommandContext(ctx, cliPath, b.BuildCLIArgs(opts)...)

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

	// Diagnostics go straight to our own stderr.
	b.cmd.Stderr = os.Stderr

	if err := b.cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return &CLINotFoundError{Path: cliPath, Cause: err}
		}
		return &ProcessError{Message: "failed to start CLI process", Cause: err}
	}

	b.started = true
	return nil
}

// SendPrompt writes one prompt message as a single JSON line. The prompt
// text goes through the JSON encoder untouched, so quoting and newlines
// survive the round trip exactly.
func (b *Backend) SendPrompt(ctx context.Context, text string) error {
	if !b.started {
		return ErrNotStarted
	}
	if b.stopping {
		return ErrStopping
	}

	data, err := json.Marshal(newPromptMessage(text))
	if err != nil {
		return err
	}
	_, err = b.stdin.Write(append(data, '\n'))
	return err
}

// ReadMessage blocks for the next mapped event. It returns (nil, nil) on
// end of stream. Malformed lines are logged and dropped; messages with no
// mapping are skipped without surfacing anything to the caller.
func (b *Backend) ReadMessage() (*backend.Event, error) {
	if b.reader == nil {
		return nil, ErrNotStarted
	}

	for {
		line, err := b.reader.ReadBytes('\n')
		line = trimNewline(line)
		if len(line) == 0 {
			if err != nil {
				// Broken pipe and EOF both mean the stream is over.
				return nil, nil
			}
			continue
		}

		var m streamMessage
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("dropping malformed CLI output", "error", err, "line", string(line))
			continue
		}

		ev, err := b.mapMessage(&m)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
}

// mapMessage translates one decoded line into a common event. A nil event
// with nil error means the line carried nothing worth surfacing.
func (b *Backend) mapMessage(m *streamMessage) (*backend.Event, error) {
	switch ClassifyMessageType(m.Type) {
	case MessageTypeSystem:
		if m.SessionID == "" {
			return nil, nil
		}
		text, _ := m.firstText()
		return &backend.Event{
			Kind:      backend.EventSessionIdentity,
			SessionID: m.SessionID,
			Text:      text,
		}, nil

	case MessageTypeAssistant:
		if text, ok := m.firstText(); ok {
			return &backend.Event{Kind: backend.EventText, Text: text}, nil
		}
		if tu := m.firstToolUse(); tu != nil {
			return &backend.Event{
				Kind:       backend.EventToolCallStarted,
				ToolName:   tu.Name,
				ToolCallID: tu.ID,
			}, nil
		}
		return nil, nil

	case MessageTypeUser:
		if tr := m.firstToolResult(); tr != nil {
			return &backend.Event{
				Kind:       backend.EventToolCallResult,
				ToolCallID: tr.ToolUseID,
				IsError:    tr.IsError,
			}, nil
		}
		return nil, nil

	case MessageTypeResult:
		if m.IsError && looksLikeAuthFailure(m.Result) {
			return nil, backend.ErrAuthRequired
		}
		return &backend.Event{
			Kind:       backend.EventStopReason,
			StopReason: m.Subtype,
			IsError:    m.IsError,
		}, nil

	case MessageTypeStreamEvent:
		// Partial deltas. The complete assistant message follows and is
		// the one delivered, so partials are consumed silently.
		return nil, nil

	default:
		slog.Debug("unknown CLI message type", "type", m.Type)
		return &backend.Event{Kind: backend.EventUnknown}, nil
	}
}

// Stop gracefully shuts down the CLI process. Safe to call on a backend
// that never started or already stopped.
func (b *Backend) Stop() error {
	if !b.started || b.stopping {
		return nil
	}
	b.stopping = true

	// Closing stdin signals the CLI to finish up.
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

// looksLikeAuthFailure recognizes the CLI's login-required result text.
func looksLikeAuthFailure(result string) bool {
	lower := strings.ToLower(result)
	return strings.Contains(lower, "/login") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "not logged in") ||
		strings.Contains(lower, "authentication")
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
