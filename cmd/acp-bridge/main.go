// acp-bridge - speaks the editor-facing agent protocol on stdio and
// drives an interchangeable external coding-agent CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bazelment/acp-bridge/acp"
	"github.com/bazelment/acp-bridge/bridge"
)

var (
	backendFlag        string
	logFileFlag        string
	permissionModeFlag string
	cwdFlag            string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acp-bridge",
	Short: "Protocol bridge between an ACP editor and coding-agent CLIs",
	Long: `acp-bridge speaks the editor-facing agent protocol (newline-delimited
JSON-RPC over stdio) and forwards the work to an external coding-agent
CLI. Backends: claude (stream-JSON line protocol) and codex (app-server
JSON-RPC protocol).

stdout carries protocol frames only; diagnostics go to stderr or the
configured log file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&backendFlag, "backend", "b", "",
		"Backend kind: claude or codex (default: from config, then claude)")
	rootCmd.Flags().StringVar(&logFileFlag, "log-file", "",
		"Write diagnostics to this file instead of stderr")
	rootCmd.Flags().StringVar(&permissionModeFlag, "permission-mode", "",
		"Permission mode passed to backend starts")
	rootCmd.Flags().StringVar(&cwdFlag, "cwd", "",
		"Directory to load configuration from (default: current directory)")
}

func serve() error {
	workDir := cwdFlag
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	cfg, err := bridge.LoadConfig(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logFile := logFileFlag
	if logFile == "" {
		logFile = cfg.LogFile
	}
	closeLog, err := setupLogging(logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	kind := backendFlag
	if kind == "" {
		kind = cfg.Backend
	}
	factory, err := bridge.NewBackendFactory(kind, cfg)
	if err != nil {
		return err
	}

	mode := permissionModeFlag
	if mode == "" {
		mode = cfg.PermissionMode
	}

	slog.Info("bridge starting", "backend", kind)

	agent := acp.NewAgent(
		acp.NewTransport(os.Stdin, os.Stdout),
		factory,
		acp.WithPermissionMode(mode),
	)
	return agent.Run()
}

// setupLogging routes slog away from stdout, which is reserved for
// protocol frames.
func setupLogging(logFile string) (func(), error) {
	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		return func() {}, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, nil)))
	return func() { f.Close() }, nil
}
