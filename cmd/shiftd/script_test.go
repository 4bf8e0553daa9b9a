package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// TestMain runs the CLI instead of the tests when a script invokes shiftd.
func TestMain(m *testing.M) {
	if os.Getenv("SHIFTD_TEST_MAIN") == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// TestScripts runs testdata/*.txt against shiftd in local mode, each in its
// own working directory.
func TestScripts(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("failed to locate test binary: %v", err)
	}

	engine := script.NewEngine()
	engine.Cmds["shiftd"] = script.Program(exe, nil, 0)

	files, err := filepath.Glob(filepath.Join("testdata", "*.txt"))
	if err != nil {
		t.Fatalf("failed to list scripts: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no scripts in testdata")
	}

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".txt")
		t.Run(name, func(t *testing.T) {
			data, err := os.ReadFile(file)
			if err != nil {
				t.Fatalf("failed to read %s: %v", file, err)
			}

			work := t.TempDir()
			env := []string{
				"WORK=" + work,
				"HOME=" + work,
				"NO_COLOR=1",
				"SHIFTD_TEST_MAIN=1",
				"SHIFTDESK_MODE=local",
				"SHIFTDESK_DB_PATH=cache.db",
			}
			state, err := script.NewState(context.Background(), work, env)
			if err != nil {
				t.Fatalf("failed to create script state: %v", err)
			}
			scripttest.Run(t, engine, state, file, bytes.NewReader(data))
		})
	}
}
