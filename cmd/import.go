package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nexusnotes/chatcore/internal/conversation"
)

var importCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Import legacy JSON conversation files",
	Long: `Import conversation files using the legacy alternatives-array shape
and convert them to the branch-id representation. Each file becomes one
stored conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		conv, err := conversation.ImportLegacy(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := store.Create(ctx, conv); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s → %s (%d messages)\n", path, conv.ID, len(conv.Messages))
	}
	return nil
}
