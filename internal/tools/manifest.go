package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// validManifestToolNameRE matches valid manifest tool names
// ("agent.action" with lowercase segments).
var validManifestToolNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)?$`)

// Manifest declares a script-backed custom tool. One YAML file per tool:
//
//	name: notes.daily_summary
//	description: Summarize today's daily note.
//	command: ./summarize.sh
//	timeout_seconds: 60
//	input:
//	  type: object
//	  properties:
//	    date: {type: string}
type Manifest struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	Command        string            `yaml:"command"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Env            map[string]string `yaml:"env"`
	Input          map[string]any    `yaml:"input"`
}

// LoadManifests reads every *.yaml manifest in dir and registers the
// resulting tools. A missing dir is not an error.
func LoadManifests(r *Registry, dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		manifest, err := loadManifest(path)
		if err != nil {
			return fmt.Errorf("manifest %s: %w", entry.Name(), err)
		}
		r.Register(&scriptTool{manifest: manifest, dir: dir})
	}
	return nil
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse yaml: %w", err)
	}
	if !validManifestToolNameRE.MatchString(manifest.Name) {
		return Manifest{}, fmt.Errorf("invalid tool name %q", manifest.Name)
	}
	if manifest.Command == "" {
		return Manifest{}, fmt.Errorf("tool %s: command is required", manifest.Name)
	}
	return manifest, nil
}

// scriptTool runs a manifest-declared script with the model's arguments as
// JSON on stdin and returns stdout as the result.
type scriptTool struct {
	manifest Manifest
	dir      string
}

func (t *scriptTool) Spec() Spec {
	schema := t.manifest.Input
	if schema == nil {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	return Spec{
		Name:        t.manifest.Name,
		Description: t.manifest.Description,
		Schema:      schema,
	}
}

func (t *scriptTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	timeout := 30
	if t.manifest.TimeoutSeconds > 0 {
		timeout = t.manifest.TimeoutSeconds
	}
	if timeout > 300 {
		timeout = 300
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	cmd := exec.CommandContext(execCtx, "sh", "-c", t.manifest.Command)
	cmd.Dir = t.dir
	cmd.Stdin = bytes.NewReader(args)

	env := os.Environ()
	env = append(env, "CHATCORE_TOOL_NAME="+t.manifest.Name)
	for k, v := range t.manifest.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tool %s timed out after %ds", t.manifest.Name, timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tool %s failed: %s", t.manifest.Name, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
