// Package bridge wires configuration to backend construction: it loads
// the optional .acp-bridge.yaml file and builds the backend adapter a
// session will use.
package bridge

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is looked up in the working directory first, then in the
// user's home directory.
const ConfigFileName = ".acp-bridge.yaml"

// BackendConfig holds per-backend launch configuration.
type BackendConfig struct {
	// Path overrides the backend binary looked up on PATH.
	Path string `yaml:"path"`

	// ExtraArgs are appended verbatim to the backend's CLI arguments.
	ExtraArgs []string `yaml:"extra_args"`

	// McpConfig is an inline MCP server configuration passed to backends
	// that accept one.
	McpConfig string `yaml:"mcp_config"`
}

// Config is the bridge's file configuration.
type Config struct {
	// Backend selects the default backend kind ("claude" or "codex").
	Backend string `yaml:"backend"`

	// PermissionMode seeds new sessions' permission mode.
	PermissionMode string `yaml:"permission_mode"`

	// LogFile routes diagnostics to a file instead of stderr.
	LogFile string `yaml:"log_file"`

	// Backends holds per-backend overrides keyed by kind.
	Backends map[string]BackendConfig `yaml:"backends"`
}

// LoadConfig loads .acp-bridge.yaml from workDir, falling back to the
// home directory. A missing file yields the default config, not an error.
func LoadConfig(workDir string) (*Config, error) {
	paths := []string{}
	if workDir != "" {
		paths = append(paths, filepath.Join(workDir, ConfigFileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ConfigFileName))
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var config Config
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, err
		}
		applyDefaults(&config)
		return &config, nil
	}

	config := &Config{}
	applyDefaults(config)
	return config, nil
}

func applyDefaults(c *Config) {
	if c.Backend == "" {
		c.Backend = "claude"
	}
}

// BackendFor returns the per-backend overrides for a kind, zero-valued
// when the file has none.
func (c *Config) BackendFor(kind string) BackendConfig {
	if c == nil || c.Backends == nil {
		return BackendConfig{}
	}
	return c.Backends[kind]
}
