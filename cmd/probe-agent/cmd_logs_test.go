package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandleLogs_Tail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := handleLogs(context.Background(), path, 2, false, &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != "three\nfour\n" {
		t.Fatalf("out = %q", out.String())
	}
}

func TestHandleLogs_Missing(t *testing.T) {
	var out bytes.Buffer
	err := handleLogs(context.Background(), filepath.Join(t.TempDir(), "nope.log"), 10, false, &out)
	if err == nil || !strings.Contains(err.Error(), "log file not found") {
		t.Fatalf("err = %v", err)
	}
	if err := handleLogs(context.Background(), "", 10, false, &out); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestHandleLogs_FollowStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	if err := os.WriteFile(path, []byte("boot\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	if err := handleLogs(ctx, path, 5, true, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "boot\n") {
		t.Fatalf("out = %q", out.String())
	}
}
