package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexusnotes/chatcore/internal/config"
	"github.com/nexusnotes/chatcore/internal/conversation"
	"github.com/nexusnotes/chatcore/internal/orchestrator"
	"github.com/nexusnotes/chatcore/internal/toolcall"
	"github.com/nexusnotes/chatcore/internal/tools"
	"github.com/nexusnotes/chatcore/internal/transport"
)

var chatConversationID string
var chatSystemPrompt string
var chatVaultDir string
var chatNoTools bool

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message and stream the reply",
	Long: `Send a message to a new or existing conversation and stream the
model's reply. Tool calls the model makes are executed between rounds and
their results fed back automatically.

Examples:
  chatcore chat "what did I write about goroutines?" --vault ~/notes
  chatcore chat -c <id> "go on"
  chatcore chat "just answer, no tools" --no-tools`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatConversationID, "conversation", "c", "", "Conversation id to continue (new conversation when empty)")
	chatCmd.Flags().StringVar(&chatSystemPrompt, "system", "", "System prompt override")
	chatCmd.Flags().StringVar(&chatVaultDir, "vault", "", "Note vault directory to expose as vault.* tools")
	chatCmd.Flags().BoolVar(&chatNoTools, "no-tools", false, "Disable tool execution for this turn")
}

func runChat(cmd *cobra.Command, args []string) error {
	message := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	convID := chatConversationID
	if convID == "" {
		conv := &conversation.Conversation{Title: conversationTitle(message)}
		if err := store.Create(ctx, conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		convID = conv.ID
	}

	registry, cleanup, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	o := orchestrator.New(store, func(provider string) (transport.Transport, error) {
		return transport.ForProvider(provider, cfg)
	}, registry, nil)
	o.SetDefaults(cfg.Provider, cfg.ProviderFor(cfg.Provider).Model)

	systemPrompt := chatSystemPrompt
	if systemPrompt == "" {
		systemPrompt = cfg.SystemPrompt
	}

	stream, err := o.GenerateResponse(ctx, convID, message, orchestrator.Options{
		SystemPrompt: systemPrompt,
		OnToolEvent:  printToolEvent,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if err == orchestrator.ErrAborted {
				fmt.Fprintln(os.Stderr, "\naborted")
				return nil
			}
			return err
		}
		if chunk.Text != "" {
			fmt.Print(chunk.Text)
		}
	}

	fmt.Printf("\n\nconversation: %s\n", convID)
	return nil
}

// buildRegistry assembles the tool surface: vault tools, manifest tools
// and MCP-bridged tools, filtered by the configured allow-list.
func buildRegistry(ctx context.Context, cfg *config.Config) (*tools.Registry, func(), error) {
	noop := func() {}
	if chatNoTools || !cfg.Tools.Enabled {
		return nil, noop, nil
	}

	registry, err := tools.NewRegistry(cfg.Tools.Allow)
	if err != nil {
		return nil, noop, err
	}

	if chatVaultDir != "" {
		tools.RegisterVaultTools(registry, tools.NewDirVault(chatVaultDir))
	}
	if err := tools.LoadManifests(registry, cfg.Tools.ManifestDir); err != nil {
		return nil, noop, err
	}

	var clients []*tools.MCPClient
	for _, server := range cfg.MCP {
		client := tools.NewMCPClient(tools.MCPServerConfig{
			Name:    server.Name,
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
		})
		if err := client.Start(ctx); err != nil {
			log.Warn().Str("server", server.Name).Err(err).Msg("MCP server unavailable")
			continue
		}
		client.RegisterTools(registry)
		clients = append(clients, client)
	}

	cleanup := func() {
		for _, c := range clients {
			if err := c.Stop(); err != nil {
				log.Debug().Err(err).Msg("MCP server shutdown")
			}
		}
	}
	return registry, cleanup, nil
}

func printToolEvent(ev toolcall.Event) {
	switch ev.Kind {
	case toolcall.EventStarted:
		fmt.Fprintf(os.Stderr, "⚙ %s…\n", ev.Call.Name)
	case toolcall.EventCompleted:
		if ev.Call.Error != "" {
			fmt.Fprintf(os.Stderr, "✗ %s: %s\n", ev.Call.Name, ev.Call.Error)
		} else {
			fmt.Fprintf(os.Stderr, "✓ %s (%dms)\n", ev.Call.Name, ev.Call.DurationMs)
		}
	}
}

func conversationTitle(message string) string {
	title := strings.TrimSpace(message)
	if len(title) > 60 {
		title = title[:60] + "…"
	}
	return title
}
