package bridge

import (
	"fmt"

	"github.com/bazelment/acp-bridge/acp"
	"github.com/bazelment/acp-bridge/backend"
	"github.com/bazelment/acp-bridge/claude"
	"github.com/bazelment/acp-bridge/codex"
)

// NewBackendFactory returns the factory the agent uses to create backend
// adapters. Variant selection happens here; the agent never branches on
// backend kind.
func NewBackendFactory(kind string, cfg *Config) (acp.BackendFactory, error) {
	switch kind {
	case "claude":
		bc := cfg.BackendFor("claude")
		return func(*acp.Session) (backend.Backend, error) {
			opts := []claude.Option{}
			if bc.Path != "" {
				opts = append(opts, claude.WithCLIPath(bc.Path))
			}
			if bc.McpConfig != "" {
				opts = append(opts, claude.WithMcpConfig(bc.McpConfig))
			}
			if len(bc.ExtraArgs) > 0 {
				opts = append(opts, claude.WithExtraArgs(bc.ExtraArgs...))
			}
			return claude.New(opts...), nil
		}, nil

	case "codex":
		bc := cfg.BackendFor("codex")
		return func(*acp.Session) (backend.Backend, error) {
			opts := []codex.Option{}
			if bc.Path != "" {
				opts = append(opts, codex.WithCLIPath(bc.Path))
			}
			if len(bc.ExtraArgs) > 0 {
				opts = append(opts, codex.WithExtraArgs(bc.ExtraArgs...))
			}
			return codex.New(opts...), nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}
