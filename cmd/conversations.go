package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexusnotes/chatcore/internal/conversation"
)

var conversationsJSON bool

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently updated first",
	RunE:  runConversationsList,
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsShow,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation and all its branches",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsDelete,
}

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd, conversationsShowCmd, conversationsDeleteCmd)
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output as JSON")
	conversationsShowCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output as JSON")
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	summaries, err := store.List(context.Background(), conversation.ListOptions{})
	if err != nil {
		return err
	}
	if conversationsJSON {
		return json.NewEncoder(os.Stdout).Encode(summaries)
	}
	if len(summaries) == 0 {
		fmt.Println("no conversations")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s  %-40s  %3d msgs  %s\n",
			s.ID, truncate(s.Title, 40), s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	conv, err := store.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	if conversationsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(conv)
	}

	fmt.Printf("# %s\n\n", conv.Title)
	for _, msg := range conversation.EffectiveMessages(conv) {
		fmt.Printf("[%s]", msg.Role)
		if msg.State != conversation.StateComplete {
			fmt.Printf(" (%s)", msg.State)
		}
		fmt.Println()
		if msg.Content != "" {
			fmt.Println(msg.Content)
		}
		for _, call := range msg.ToolCalls {
			outcome := "ok"
			if call.Error != "" {
				outcome = "error: " + call.Error
			}
			fmt.Printf("  → %s(%s) %s\n", call.Name, string(call.Parameters), outcome)
		}
		fmt.Println()
	}
	return nil
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
