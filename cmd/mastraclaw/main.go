// Package main provides the CLI entry point for the mastraclaw gateway
// adapter.
//
// mastraclaw runs model conversations through a provider-agnostic engine:
// transcripts are sanitized per provider policy, translated to the target
// wire format (Anthropic messages, OpenAI-compatible completions, or
// Gemini), and persisted in an append-only session log that compaction can
// rewrite atomically.
//
// # Basic Usage
//
// Run one conversation turn:
//
//	mastraclaw chat --session dev "What does the config loader do?"
//
// Compact a long session:
//
//	mastraclaw compact --session dev
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
//   - GEMINI_API_KEY: Google Gemini API key
//   - OPENROUTER_API_KEY: OpenRouter API key
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ANTFOR7717/mastraclaw/internal/observability"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	observability.SetDefault(observability.LogConfig{Level: "info", Format: "json", Output: os.Stderr})

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mastraclaw",
		Short: "mastraclaw - provider-agnostic LLM gateway adapter",
		Long: `mastraclaw runs model conversations through a provider-agnostic engine.

Supported wire formats: Anthropic messages, OpenAI-compatible completions, Gemini
Session backends: memory, JSONL files, SQLite`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildCompactCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}
