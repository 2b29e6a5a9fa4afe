package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

type fakeVault struct {
	notes map[string]string
}

func (v *fakeVault) ReadNote(_ context.Context, path string) (string, error) {
	content, ok := v.notes[path]
	if !ok {
		return "", fmt.Errorf("note not found: %s", path)
	}
	return content, nil
}

func (v *fakeVault) WriteNote(_ context.Context, path, content string) error {
	v.notes[path] = content
	return nil
}

func (v *fakeVault) ListNotes(_ context.Context, folder string) ([]string, error) {
	var out []string
	for path := range v.notes {
		if folder == "" || strings.HasPrefix(path, folder) {
			out = append(out, path)
		}
	}
	return out, nil
}

func (v *fakeVault) SearchNotes(_ context.Context, query string) ([]string, error) {
	var out []string
	for path, content := range v.notes {
		if strings.Contains(content, query) {
			out = append(out, path)
		}
	}
	return out, nil
}

func vaultRegistry(t *testing.T, fs VaultFS) *Registry {
	t.Helper()
	r, err := NewRegistry([]string{"vault.*"})
	if err != nil {
		t.Fatal(err)
	}
	RegisterVaultTools(r, fs)
	return r
}

func TestVaultReadNote(t *testing.T) {
	fs := &fakeVault{notes: map[string]string{"Daily/today.md": "# Today"}}
	r := vaultRegistry(t, fs)

	result := r.Execute(context.Background(), "vault.read_note", json.RawMessage(`{"path":"Daily/today.md"}`))
	if !result.Success {
		t.Fatalf("read failed: %s", result.Error)
	}
	if result.Result != "# Today" {
		t.Errorf("result = %v", result.Result)
	}
}

func TestVaultReadNoteRequiresPath(t *testing.T) {
	r := vaultRegistry(t, &fakeVault{notes: map[string]string{}})
	result := r.Execute(context.Background(), "vault.read_note", json.RawMessage(`{}`))
	if result.Success {
		t.Error("expected failure for missing path")
	}
}

func TestVaultWriteThenRead(t *testing.T) {
	fs := &fakeVault{notes: map[string]string{}}
	r := vaultRegistry(t, fs)

	write := r.Execute(context.Background(), "vault.write_note",
		json.RawMessage(`{"path":"Ideas/new.md","content":"an idea"}`))
	if !write.Success {
		t.Fatalf("write failed: %s", write.Error)
	}
	if fs.notes["Ideas/new.md"] != "an idea" {
		t.Error("note was not written")
	}
}

func TestVaultSearchNotes(t *testing.T) {
	fs := &fakeVault{notes: map[string]string{
		"a.md": "mentions golang here",
		"b.md": "nothing relevant",
	}}
	r := vaultRegistry(t, fs)

	result := r.Execute(context.Background(), "vault.search_notes", json.RawMessage(`{"query":"golang"}`))
	if !result.Success {
		t.Fatalf("search failed: %s", result.Error)
	}
	if result.Result != "a.md" {
		t.Errorf("result = %v", result.Result)
	}
}

func TestVaultListNotesEmptyFolder(t *testing.T) {
	r := vaultRegistry(t, &fakeVault{notes: map[string]string{}})
	result := r.Execute(context.Background(), "vault.list_notes", json.RawMessage(`{}`))
	if !result.Success {
		t.Fatalf("list failed: %s", result.Error)
	}
	if result.Result != "no notes found" {
		t.Errorf("result = %v", result.Result)
	}
}
