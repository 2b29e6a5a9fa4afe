package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// VaultFS is the note storage collaborator. The core never touches file
// I/O directly; the host supplies read/write-by-path semantics.
type VaultFS interface {
	ReadNote(ctx context.Context, path string) (string, error)
	WriteNote(ctx context.Context, path, content string) error
	ListNotes(ctx context.Context, folder string) ([]string, error)
	SearchNotes(ctx context.Context, query string) ([]string, error)
}

// RegisterVaultTools registers the built-in vault.* tools against a VaultFS.
func RegisterVaultTools(r *Registry, fs VaultFS) {
	r.Register(&readNoteTool{fs: fs})
	r.Register(&writeNoteTool{fs: fs})
	r.Register(&listNotesTool{fs: fs})
	r.Register(&searchNotesTool{fs: fs})
}

type readNoteTool struct{ fs VaultFS }

func (t *readNoteTool) Spec() Spec {
	return Spec{
		Name:        "vault.read_note",
		Description: "Read the contents of a note by its vault path.",
		Schema: objectSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Vault-relative note path, e.g. 'Daily/2026-08-29.md'"},
		}, "path"),
	}
}

func (t *readNoteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.Path) == "" {
		return "", fmt.Errorf("path is required")
	}
	return t.fs.ReadNote(ctx, params.Path)
}

type writeNoteTool struct{ fs VaultFS }

func (t *writeNoteTool) Spec() Spec {
	return Spec{
		Name:        "vault.write_note",
		Description: "Create or overwrite a note at the given vault path.",
		Schema: objectSchema(map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		}, "path", "content"),
	}
}

func (t *writeNoteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.Path) == "" {
		return "", fmt.Errorf("path is required")
	}
	if err := t.fs.WriteNote(ctx, params.Path, params.Content); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %s (%d bytes)", params.Path, len(params.Content)), nil
}

type listNotesTool struct{ fs VaultFS }

func (t *listNotesTool) Spec() Spec {
	return Spec{
		Name:        "vault.list_notes",
		Description: "List note paths, optionally limited to a folder.",
		Schema: objectSchema(map[string]any{
			"folder": map[string]any{"type": "string", "description": "Folder prefix; empty lists the whole vault"},
		}),
	}
}

func (t *listNotesTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Folder string `json:"folder"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	notes, err := t.fs.ListNotes(ctx, params.Folder)
	if err != nil {
		return "", err
	}
	if len(notes) == 0 {
		return "no notes found", nil
	}
	return strings.Join(notes, "\n"), nil
}

type searchNotesTool struct{ fs VaultFS }

func (t *searchNotesTool) Spec() Spec {
	return Spec{
		Name:        "vault.search_notes",
		Description: "Search notes by content and return matching paths.",
		Schema: objectSchema(map[string]any{
			"query": map[string]any{"type": "string"},
		}, "query"),
	}
}

func (t *searchNotesTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(params.Query) == "" {
		return "", fmt.Errorf("query is required")
	}
	matches, err := t.fs.SearchNotes(ctx, params.Query)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}
