package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nexusnotes/chatcore/internal/config"
	"github.com/nexusnotes/chatcore/internal/conversation"
	"github.com/nexusnotes/chatcore/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "Multi-provider LLM conversation engine",
	Long: `chatcore persists branching conversations and streams replies from
Anthropic, Google, OpenAI-compatible or local model backends, executing
tools between rounds.

Examples:
  chatcore chat "summarize my daily note" --vault ~/notes
  chatcore chat -c 5f0e... "and yesterday's?"
  chatcore conversations list
  chatcore models --provider anthropic`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var flagProvider string
var flagModel string

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProvider, "provider", "p", "", "Provider override (anthropic, openai, gemini, openrouter, ollama, nexus)")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Model override for the selected provider")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(flagProvider, flagModel)
	logging.Setup(cfg.Logging.Level)
	return cfg, nil
}

func openStore(cfg *config.Config) (conversation.Store, error) {
	return conversation.NewSQLiteStore(cfg.Storage.Path)
}
