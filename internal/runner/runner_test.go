package runner

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRunCapturesStdoutLines(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	result, err := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo one; echo two"},
		OnStdout: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	result, err := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "exit 7"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", result.ExitCode)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	result, err := Run(context.Background(), Command{
		Name:          "sh",
		Args:          []string{"-c", "sleep 30"},
		Timeout:       50 * time.Millisecond,
		GraceFallback: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.TimedOut {
		t.Fatal("expected TimedOut to be true")
	}
}

func TestRunStderrCaptured(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	_, err := Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo boom 1>&2"},
		OnStderr: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(lines) != 1 || lines[0] != "boom" {
		t.Fatalf("unexpected stderr lines: %v", lines)
	}
}
