package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestUntilModifiedCancelsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reproserver.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel, err := UntilModified(context.Background(), path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()
	if ctx.Err() != nil {
		t.Fatalf("context canceled before any change")
	}
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("context not canceled after write")
	}
	if cause := context.Cause(ctx); cause == nil || !strings.Contains(cause.Error(), "reproserver.yaml") {
		t.Fatalf("unexpected cause %v", cause)
	}
}

func TestUntilModifiedMissingFile(t *testing.T) {
	if _, _, err := UntilModified(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
