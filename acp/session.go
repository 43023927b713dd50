package acp

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/bazelment/acp-bridge/backend"
	"github.com/bazelment/acp-bridge/settings"
)

// Session tracks one editor-visible conversation. A session owns at most
// one live backend process; the backend is started lazily by the first
// prompt and reused by later ones.
type Session struct {
	// ID is the bridge-assigned session token (32 lowercase hex chars).
	ID string

	// WorkDir is the working directory the backend operates in.
	WorkDir string

	// PermissionMode is applied to future backend starts only; changing
	// it does not affect an already-running backend.
	PermissionMode string

	// Cancelled is set by session/cancel and stays set until the next
	// prompt begins.
	Cancelled bool

	// Settings is the tool allow/deny snapshot loaded from WorkDir at
	// session creation. Nil means no snapshot: every tool is allowed.
	Settings *settings.Snapshot

	// BackendSessionID is the backend-assigned conversation handle,
	// recorded from sessionIdentity events so a restarted backend can
	// resume the same thread.
	BackendSessionID string

	backend backend.Backend
}

// IsToolAllowed applies the session's permission snapshot to a tool name.
// An explicit deny wins over an explicit allow. With no snapshot loaded,
// every tool is allowed: an unreadable settings file must not block all
// tool use.
func (s *Session) IsToolAllowed(tool string) bool {
	if s.Settings == nil {
		return true
	}
	if s.Settings.IsDenied(tool) {
		return false
	}
	return true
}

// newSessionID generates a 32-character lowercase hex session token.
func newSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
