package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_ExitCodes(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	broken := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(broken, []byte("logging: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"list", []string{"-list"}, 0},
		{"single demo", []string{"-demo", "1"}, 0},
		{"unknown demo", []string{"-demo", "99"}, 1},
		{"broken config", []string{"-config", broken}, 1},
		{"prompt missing", []string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}, 1},
		{"bad flag", []string{"-nope"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if got := run(tt.args, &out); got != tt.want {
				t.Errorf("run(%v) = %d, want %d (output %q)", tt.args, got, tt.want, out.String())
			}
		})
	}
}

func TestRun_ListOutput(t *testing.T) {
	var out bytes.Buffer
	if code := run([]string{"-list"}, &out); code != 0 {
		t.Fatalf("run(-list) = %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 7 {
		t.Errorf("listed %d demos, want 7:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "1. ") {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestRun_DemoOutput(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	var out bytes.Buffer
	if code := run([]string{"-demo", "2"}, &out); code != 0 {
		t.Fatalf("run(-demo 2) = %d", code)
	}
	if !strings.Contains(out.String(), "=== DEMO 2:") {
		t.Errorf("missing demo header:\n%s", out.String())
	}
}
