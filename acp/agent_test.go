package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/acp-bridge/backend"
)

// fakeBackend is a scripted backend adapter.
type fakeBackend struct {
	startOpts  backend.StartOptions
	events     []*backend.Event
	readErr    error // returned once the scripted events run out
	startErr   error
	sendErr    error
	prompts    []string
	startCount int
	stopped    bool
	idx        int
}

func (f *fakeBackend) Start(ctx context.Context, opts backend.StartOptions) error {
	f.startCount++
	f.startOpts = opts
	return f.startErr
}

func (f *fakeBackend) Stop() error {
	f.stopped = true
	return nil
}

func (f *fakeBackend) SendPrompt(ctx context.Context, text string) error {
	f.prompts = append(f.prompts, text)
	return f.sendErr
}

func (f *fakeBackend) ReadMessage() (*backend.Event, error) {
	if f.idx < len(f.events) {
		ev := f.events[f.idx]
		f.idx++
		return ev, nil
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	return nil, nil
}

func singleBackendFactory(f *fakeBackend) BackendFactory {
	return func(*Session) (backend.Backend, error) { return f, nil }
}

// newTestAgent builds an agent whose writes are captured in the returned
// buffer. Input is driven by dispatching envelopes directly.
func newTestAgent(f *fakeBackend, opts ...AgentOption) (*Agent, *bytes.Buffer) {
	out := &bytes.Buffer{}
	a := NewAgent(NewTransport(strings.NewReader(""), out), singleBackendFactory(f), opts...)
	return a, out
}

func dispatchLine(t *testing.T, a *Agent, line string) {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(line), &env))
	require.NoError(t, a.dispatch(&env))
}

func outputLines(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if raw == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(raw), &m), "output line %q", raw)
		lines = append(lines, m)
	}
	return lines
}

// createSession dispatches session/new and returns the allocated id.
func createSession(t *testing.T, a *Agent, out *bytes.Buffer) string {
	t.Helper()
	dispatchLine(t, a, `{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":""}}`)
	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	id := lines[0]["result"].(map[string]interface{})["sessionId"].(string)
	out.Reset()
	return id
}

func TestInitialize_ExactlyOneResponse(t *testing.T) {
	a, out := newTestAgent(&fakeBackend{})

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":1}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	result := lines[0]["result"].(map[string]interface{})
	assert.Equal(t, float64(ProtocolVersion), result["protocolVersion"])
}

func TestAuthenticate_AlwaysSucceeds(t *testing.T) {
	a, out := newTestAgent(&fakeBackend{})

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":5,"method":"authenticate","params":{"methodId":"cli"}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "error")
}

func TestAuthenticate_MalformedParams(t *testing.T) {
	a, out := newTestAgent(&fakeBackend{})

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":5,"method":"authenticate","params":{"methodId":7}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	errObj := lines[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(ErrCodeInvalidParams), errObj["code"])
}

func TestUnknownMethod_WithID(t *testing.T) {
	a, out := newTestAgent(&fakeBackend{})

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":3,"method":"no/such_method"}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	errObj := lines[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(ErrCodeMethodNotFound), errObj["code"])
}

func TestUnknownMethod_NotificationIsDropped(t *testing.T) {
	a, out := newTestAgent(&fakeBackend{})

	dispatchLine(t, a, `{"jsonrpc":"2.0","method":"no/such_method"}`)

	assert.Zero(t, out.Len(), "notifications never get responses, even on error")
}

func TestSessionNew_HexIDsAreDistinct(t *testing.T) {
	a, out := newTestAgent(&fakeBackend{})

	first := createSession(t, a, out)
	second := createSession(t, a, out)

	hexID := regexp.MustCompile(`^[0-9a-f]{32}$`)
	assert.Regexp(t, hexID, first)
	assert.Regexp(t, hexID, second)
	assert.NotEqual(t, first, second)
}

func TestPrompt_EndToEnd(t *testing.T) {
	fake := &fakeBackend{
		events: []*backend.Event{
			{Kind: backend.EventSessionIdentity, SessionID: "thread-7"},
			{Kind: backend.EventText, Text: "Let me look."},
			{Kind: backend.EventToolCallStarted, ToolName: "Read", ToolCallID: "tc1"},
			{Kind: backend.EventToolCallResult, ToolCallID: "tc1"},
			{Kind: backend.EventText, Text: "done thinking", Thought: true},
			{Kind: backend.EventStopReason, StopReason: "success"},
		},
	}
	a, out := newTestAgent(fake)
	sid := createSession(t, a, out)

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[{"type":"text","text":"hello"},{"type":"text","text":"world"}]}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 5, "4 updates + 1 response")

	// Updates come first, in event order.
	updates := make([]string, 0, 4)
	for _, l := range lines[:4] {
		assert.Equal(t, MethodSessionUpdate, l["method"])
		params := l["params"].(map[string]interface{})
		assert.Equal(t, sid, params["sessionId"])
		updates = append(updates, params["update"].(map[string]interface{})["sessionUpdate"].(string))
	}
	assert.Equal(t, []string{
		UpdateAgentMessageChunk,
		UpdateToolCall,
		UpdateToolCallUpdate,
		UpdateAgentThoughtChunk,
	}, updates)

	// The single response carries the final stop reason.
	result := lines[4]["result"].(map[string]interface{})
	assert.Equal(t, StopReasonEndTurn, result["stopReason"])

	assert.Equal(t, []string{"hello\nworld"}, fake.prompts)
	assert.Equal(t, "thread-7", a.sessions[sid].BackendSessionID)
}

func TestPrompt_UnknownSession(t *testing.T) {
	a, out := newTestAgent(&fakeBackend{})

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"missing","prompt":[]}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	errObj := lines[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(ErrCodeInvalidParams), errObj["code"])
}

func TestPrompt_BackendIsLazyAndReused(t *testing.T) {
	fake := &fakeBackend{}
	a, out := newTestAgent(fake, WithPermissionMode("acceptEdits"))
	sid := createSession(t, a, out)

	assert.Zero(t, fake.startCount, "session/new must not start a backend")

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[{"type":"text","text":"one"}]}}`)
	dispatchLine(t, a, `{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[{"type":"text","text":"two"}]}}`)

	assert.Equal(t, 1, fake.startCount, "backend started once and reused")
	assert.Equal(t, "acceptEdits", fake.startOpts.PermissionMode)
	assert.Len(t, fake.prompts, 2)
}

func TestPrompt_SpawnFailureLeavesSessionRetryable(t *testing.T) {
	fake := &fakeBackend{startErr: errors.New("executable not found")}
	a, out := newTestAgent(fake)
	sid := createSession(t, a, out)

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[]}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	errObj := lines[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(ErrCodeInternalError), errObj["code"])
	assert.Nil(t, a.sessions[sid].backend, "no backend handle kept after spawn failure")

	// The next prompt retries the start.
	fake.startErr = nil
	out.Reset()
	dispatchLine(t, a, `{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[]}}`)
	lines = outputLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, StopReasonEndTurn, lines[0]["result"].(map[string]interface{})["stopReason"])
	assert.Equal(t, 2, fake.startCount)
}

func TestPrompt_AuthRequiredTearsDownBackend(t *testing.T) {
	fake := &fakeBackend{readErr: backend.ErrAuthRequired}
	a, out := newTestAgent(fake)
	sid := createSession(t, a, out)

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[]}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, StopReasonAuthRequired, lines[0]["result"].(map[string]interface{})["stopReason"])
	assert.True(t, fake.stopped)
	assert.Nil(t, a.sessions[sid].backend, "next prompt starts fresh")
}

func TestPrompt_ReadFailureFailsSoft(t *testing.T) {
	fake := &fakeBackend{
		events:  []*backend.Event{{Kind: backend.EventText, Text: "partial"}},
		readErr: errors.New("pipe exploded"),
	}
	a, out := newTestAgent(fake)
	sid := createSession(t, a, out)

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[]}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 2)
	assert.Equal(t, StopReasonEndTurn, lines[1]["result"].(map[string]interface{})["stopReason"],
		"read failures still terminate the turn normally")
}

func TestCancel_FlipsFlagAndWritesNothing(t *testing.T) {
	fake := &fakeBackend{}
	a, out := newTestAgent(fake)
	sid := createSession(t, a, out)

	dispatchLine(t, a, `{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"`+sid+`"}}`)

	assert.Zero(t, out.Len(), "session/cancel never produces output")
	assert.True(t, a.sessions[sid].Cancelled)
}

func TestCancel_UnknownSessionStaysSilent(t *testing.T) {
	a, out := newTestAgent(&fakeBackend{})

	dispatchLine(t, a, `{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"nope"}}`)

	assert.Zero(t, out.Len())
}

func TestCancel_ClearsOnNextPrompt(t *testing.T) {
	fake := &fakeBackend{}
	a, out := newTestAgent(fake)
	sid := createSession(t, a, out)

	dispatchLine(t, a, `{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"`+sid+`"}}`)
	require.True(t, a.sessions[sid].Cancelled)

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[]}}`)
	assert.False(t, a.sessions[sid].Cancelled, "cancellation is monotonic only until the next prompt")
}

func TestSetMode_AffectsFutureStartsOnly(t *testing.T) {
	fake := &fakeBackend{}
	a, out := newTestAgent(fake, WithPermissionMode("default"))
	sid := createSession(t, a, out)

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[]}}`)
	dispatchLine(t, a, `{"jsonrpc":"2.0","id":3,"method":"session/set_mode","params":{"sessionId":"`+sid+`","modeId":"plan"}}`)

	assert.Equal(t, "plan", a.sessions[sid].PermissionMode)
	assert.Equal(t, "default", fake.startOpts.PermissionMode, "running backend keeps its launch mode")
	assert.False(t, fake.stopped, "set_mode does not restart the backend")
}

func TestResumeSession_Idempotent(t *testing.T) {
	fake := &fakeBackend{}
	a, out := newTestAgent(fake)

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":1,"method":"unstable_resumeSession","params":{"sessionId":"deadbeefdeadbeefdeadbeefdeadbeef"}}`)
	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"unstable_resumeSession","params":{"sessionId":"deadbeefdeadbeefdeadbeefdeadbeef"}}`)

	lines := outputLines(t, out)
	require.Len(t, lines, 2)
	for _, l := range lines {
		assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef",
			l["result"].(map[string]interface{})["sessionId"])
	}
	assert.Len(t, a.sessions, 1)

	// The first prompt after a resume asks the backend to pick the
	// conversation back up under the resumed handle.
	out.Reset()
	dispatchLine(t, a, `{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":"deadbeefdeadbeefdeadbeefdeadbeef","prompt":[]}}`)
	require.Equal(t, 1, fake.startCount)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", fake.startOpts.ResumeSessionID)
}

func TestPrompt_DeniedToolIsSuppressed(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, ".claude"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(workDir, ".claude", "settings.json"),
		[]byte(`{"permissions":{"allow":["Bash"],"deny":["Bash"]}}`),
		0o644,
	))

	fake := &fakeBackend{
		events: []*backend.Event{
			{Kind: backend.EventToolCallStarted, ToolName: "Bash", ToolCallID: "tc1"},
			{Kind: backend.EventToolCallStarted, ToolName: "Read", ToolCallID: "tc2"},
		},
	}
	a, out := newTestAgent(fake)

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":`+mustJSON(workDir)+`}}`)
	lines := outputLines(t, out)
	sid := lines[0]["result"].(map[string]interface{})["sessionId"].(string)
	out.Reset()

	dispatchLine(t, a, `{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"`+sid+`","prompt":[]}}`)

	lines = outputLines(t, out)
	require.Len(t, lines, 2, "denied tool produces no update; deny wins over allow")
	update := lines[0]["params"].(map[string]interface{})["update"].(map[string]interface{})
	assert.Equal(t, "Read", update["title"])
}

func TestRun_MalformedFrameGetsErrorResponse(t *testing.T) {
	out := &bytes.Buffer{}
	a := NewAgent(
		NewTransport(strings.NewReader("this is not json\n"), out),
		singleBackendFactory(&fakeBackend{}),
	)

	require.NoError(t, a.Run())

	lines := outputLines(t, out)
	require.Len(t, lines, 1)
	assert.Nil(t, lines[0]["id"])
	errObj := lines[0]["error"].(map[string]interface{})
	assert.Equal(t, float64(ErrCodeParseError), errObj["code"])
}

func TestRun_EndsCleanlyOnEOF(t *testing.T) {
	out := &bytes.Buffer{}
	a := NewAgent(
		NewTransport(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n"), out),
		singleBackendFactory(&fakeBackend{}),
	)

	require.NoError(t, a.Run())
	require.Len(t, outputLines(t, out), 1)
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
