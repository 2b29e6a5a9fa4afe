package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifestsMissingDirIsOK(t *testing.T) {
	r, err := NewRegistry([]string{"*"})
	if err != nil {
		t.Fatal(err)
	}
	if err := LoadManifests(r, filepath.Join(t.TempDir(), "does-not-exist")); err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
}

func TestLoadManifestsRejectsBadName(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad.yaml", "name: Bad Name!\ncommand: echo hi\n")

	r, _ := NewRegistry([]string{"*"})
	if err := LoadManifests(r, dir); err == nil {
		t.Fatal("expected error for invalid tool name")
	}
}

func TestLoadManifestsRequiresCommand(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "nocmd.yaml", "name: notes.summarize\ndescription: x\n")

	r, _ := NewRegistry([]string{"*"})
	if err := LoadManifests(r, dir); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestScriptToolEchoesStdin(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "echo.yaml", `
name: test.echo
description: Echo the arguments back.
command: cat
`)

	r, _ := NewRegistry([]string{"*"})
	if err := LoadManifests(r, dir); err != nil {
		t.Fatal(err)
	}

	result := r.Execute(context.Background(), "test.echo", json.RawMessage(`{"msg":"hello"}`))
	if !result.Success {
		t.Fatalf("script failed: %s", result.Error)
	}
	if result.Result != `{"msg":"hello"}` {
		t.Errorf("result = %v", result.Result)
	}
}

func TestScriptToolSeesToolNameEnv(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "env.yaml", `
name: test.env
command: printf '%s' "$CHATCORE_TOOL_NAME"
`)

	r, _ := NewRegistry([]string{"*"})
	if err := LoadManifests(r, dir); err != nil {
		t.Fatal(err)
	}

	result := r.Execute(context.Background(), "test.env", nil)
	if !result.Success {
		t.Fatalf("script failed: %s", result.Error)
	}
	if result.Result != "test.env" {
		t.Errorf("result = %v", result.Result)
	}
}

func TestScriptToolFailureCapturesStderr(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "fail.yaml", `
name: test.fail
command: echo "boom" >&2; exit 1
`)

	r, _ := NewRegistry([]string{"*"})
	if err := LoadManifests(r, dir); err != nil {
		t.Fatal(err)
	}

	result := r.Execute(context.Background(), "test.fail", nil)
	if result.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("error = %q, want stderr content", result.Error)
	}
}
