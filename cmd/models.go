package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusnotes/chatcore/internal/transport"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available from a provider",
	Long: `List models available from a provider's models API.

Examples:
  chatcore models                       # current provider
  chatcore models --provider anthropic
  chatcore models --provider ollama
  chatcore models --json`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider := cfg.Provider
	pc := cfg.ProviderFor(provider)
	catalog := transport.NewCatalog(transport.CatalogConfig{
		DefaultProvider: cfg.Provider,
		DefaultModel:    pc.Model,
		OpenAIKey:       cfg.OpenAI.APIKey,
		AnthropicKey:    cfg.Anthropic.APIKey,
		CompatBaseURL:   pc.BaseURL,
		CompatKey:       pc.APIKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	models, err := catalog.ListModels(ctx, provider)
	if err != nil {
		return err
	}

	if modelsJSON {
		return json.NewEncoder(os.Stdout).Encode(models)
	}
	for _, m := range models {
		if m.DisplayName != "" {
			fmt.Printf("%-40s %s\n", m.ID, m.DisplayName)
		} else {
			fmt.Println(m.ID)
		}
	}
	return nil
}
