// commands.go contains the cobra command definitions and their handlers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ANTFOR7717/mastraclaw/internal/compaction"
	"github.com/ANTFOR7717/mastraclaw/internal/config"
	"github.com/ANTFOR7717/mastraclaw/internal/engine"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/providers"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/run"
	"github.com/ANTFOR7717/mastraclaw/internal/observability"
	"github.com/ANTFOR7717/mastraclaw/internal/sessions"
	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		model      string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Run one conversation turn against the configured provider",
		Long: `Run one conversation turn. The session's history is repaired, sanitized
for the target provider, and sent with the prompt; assistant text streams to
stdout as it arrives, and tool calls run until the model stops asking.`,
		Example: `  # One-shot turn in a named session
  mastraclaw chat --session dev "Summarize internal/config"

  # Override the configured model
  mastraclaw chat --session dev --model claude-opus-4 "Think harder"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				observability.SetDefault(observability.LogConfig{Level: "debug", Format: "text", Output: os.Stderr})
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if model != "" {
				cfg.Run.Model = model
			}
			return runChat(cmd.Context(), cfg, sessionID, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "Session identifier")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model override")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildCompactCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Fold a session's oldest messages into a summary",
		Long: `Summarize the session's oldest messages with the configured model and
atomically replace them with one summary message. An interrupted compaction
leaves the transcript exactly as it was.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runCompact(cmd.Context(), cfg, sessionID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "Session identifier")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(buildSessionsShowCmd())
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runSessionsShow(cmd.Context(), cfg, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// loadConfig reads the config file when one is given and falls back to
// defaults plus environment credentials otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("mastraclaw.yaml"); err == nil {
			path = "mastraclaw.yaml"
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "file":
		return sessions.NewFileStore(cfg.Sessions.Path)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Sessions.Path), 0o755); err != nil {
			return nil, err
		}
		return sessions.NewSQLiteStore(cfg.Sessions.Path)
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

func buildProvider(cfg *config.Config) (engine.Provider, error) {
	creds := cfg.ResolveCredentials(cfg.Run.Provider)
	endpoint := providers.Resolve(cfg.Run.Provider, cfg.Run.ModelAPI, providers.ResolveOptions{
		BaseURL: creds.BaseURL,
		APIKey:  creds.APIKey,
		Headers: creds.Headers,
	})
	return providers.New(endpoint)
}

func ensureSession(ctx context.Context, store sessions.Store, sessionID string) error {
	_, err := store.GetSession(ctx, sessionID)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return store.CreateSession(ctx, &models.Session{
			ID:        sessionID,
			Kind:      models.SessionDirect,
			CreatedAt: time.Now(),
		})
	}
	return err
}

func runChat(ctx context.Context, cfg *config.Config, sessionID, prompt string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := ensureSession(ctx, store, sessionID); err != nil {
		return err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	locks := sessions.NewLockManager(cfg.Sessions.LockTTL)
	controller, err := run.New(provider, store, locks, demoTools(), run.Config{
		Provider:            cfg.Run.Provider,
		ModelAPI:            cfg.Run.ModelAPI,
		Model:               cfg.Run.Model,
		System:              cfg.Run.System,
		MaxTokens:           cfg.Run.MaxTokens,
		Thinking:            engine.ThinkingLevel(cfg.Run.Thinking),
		MaxIterations:       cfg.Run.MaxIterations,
		MaxWallTime:         cfg.Run.MaxWallTime,
		MaxHistoryMessages:  cfg.Run.MaxHistoryMessages,
		ContextWindowTokens: cfg.Run.ContextWindowTokens,
	}, run.Callbacks{
		OnText: func(text string) { fmt.Print(text) },
		OnToolCall: func(name string, _ json.RawMessage) {
			fmt.Fprintf(os.Stderr, "[tool call: %s]\n", name)
		},
		OnToolResult: func(name, result string) {
			fmt.Fprintf(os.Stderr, "[tool result: %s, %d bytes]\n", name, len(result))
		},
	})
	if err != nil {
		return err
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		metrics.RunStarted(cfg.Run.Provider)
		defer metrics.RunEnded(cfg.Run.Provider)
	}

	start := time.Now()
	result, err := controller.Run(ctx, sessionID, prompt)
	if metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
			metrics.RecordError("run", fmt.Sprintf("%T", err))
		}
		var in, out int
		if result != nil {
			in, out = result.InputTokens, result.OutputTokens
		}
		metrics.RecordLLMRequest(cfg.Run.Provider, cfg.Run.Model, status, time.Since(start).Seconds(), in, out)
	}
	if err != nil {
		return err
	}
	fmt.Println()
	return nil
}

func runCompact(ctx context.Context, cfg *config.Config, sessionID string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	compactor, err := compaction.New(provider, store, sessions.NewLockManager(cfg.Sessions.LockTTL), compaction.Config{
		Model:               cfg.Compaction.Model,
		ContextWindowTokens: cfg.Run.ContextWindowTokens,
		KeepShare:           cfg.Compaction.KeepShare,
		MaxSummaryTokens:    cfg.Compaction.MaxSummaryTokens,
		Prompt:              cfg.Compaction.Prompt,
	})
	if err != nil {
		return err
	}

	result, err := compactor.Compact(ctx, sessionID)
	if err != nil {
		return err
	}
	if !result.Compacted {
		fmt.Printf("session %s already fits the keep budget (%d messages, ~%d tokens)\n",
			sessionID, result.MessagesBefore, result.TokensBefore)
		return nil
	}
	fmt.Printf("compacted session %s: %d -> %d messages, ~%d -> ~%d tokens\n",
		sessionID, result.MessagesBefore, result.MessagesAfter, result.TokensBefore, result.TokensAfter)
	return nil
}

func runSessionsShow(ctx context.Context, cfg *config.Config, sessionID string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := store.ReadBranch(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, msg := range history {
		fmt.Printf("[%s] %s\n", msg.Role, formatMessage(msg))
	}
	return nil
}

// demoTools returns the built-in tool set for the chat command. Real
// deployments register their own definitions; the CLI ships just enough to
// see the tool loop work.
func demoTools() []engine.ToolDefinition {
	return []engine.ToolDefinition{
		{
			Name:        "current_time",
			Description: "Returns the current local time in RFC 3339 format.",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Execute: func(_ context.Context, _ json.RawMessage) (any, error) {
				return time.Now().Format(time.RFC3339), nil
			},
		},
		{
			Name:        "read_file",
			Description: "Reads a file from the local filesystem and returns its contents.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Absolute or working-directory-relative path",
					},
				},
				"required": []any{"path"},
			},
			Execute: func(_ context.Context, input json.RawMessage) (any, error) {
				var args struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return nil, err
				}
				data, err := os.ReadFile(args.Path)
				if err != nil {
					return nil, err
				}
				return string(data), nil
			},
		},
	}
}

func formatMessage(msg *models.Message) string {
	var parts []string
	if text := msg.Text(); text != "" {
		parts = append(parts, text)
	}
	for _, call := range msg.ToolCalls() {
		parts = append(parts, fmt.Sprintf("<tool call %s %s>", call.Name, string(call.Input)))
	}
	for _, res := range msg.ToolResults() {
		preview := res.Content
		if len(preview) > 120 {
			preview = preview[:120] + "..."
		}
		parts = append(parts, fmt.Sprintf("<tool result %s: %s>", res.Name, preview))
	}
	return strings.Join(parts, " ")
}
