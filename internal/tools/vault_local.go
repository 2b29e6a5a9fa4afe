package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirVault is a VaultFS over a local directory of markdown notes. Paths
// are vault-relative; escaping the root is rejected.
type DirVault struct {
	root string
}

func NewDirVault(root string) *DirVault {
	return &DirVault{root: root}
}

var _ VaultFS = (*DirVault)(nil)

func (v *DirVault) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("path escapes vault: %s", path)
	}
	return filepath.Join(v.root, clean), nil
}

func (v *DirVault) ReadNote(_ context.Context, path string) (string, error) {
	full, err := v.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("note not found: %s", path)
		}
		return "", err
	}
	return string(data), nil
}

func (v *DirVault) WriteNote(_ context.Context, path, content string) error {
	full, err := v.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

func (v *DirVault) ListNotes(_ context.Context, folder string) ([]string, error) {
	base := v.root
	if folder != "" {
		resolved, err := v.resolve(folder)
		if err != nil {
			return nil, err
		}
		base = resolved
	}
	var notes []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		notes = append(notes, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(notes)
	return notes, nil
}

func (v *DirVault) SearchNotes(ctx context.Context, query string) ([]string, error) {
	notes, err := v.ListNotes(ctx, "")
	if err != nil {
		return nil, err
	}
	lowered := strings.ToLower(query)
	var matches []string
	for _, note := range notes {
		full, err := v.resolve(note)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(data)), lowered) {
			matches = append(matches, note)
		}
	}
	return matches, nil
}
