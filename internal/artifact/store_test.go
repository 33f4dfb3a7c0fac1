package artifact

import (
	"bytes"
	"context"
	"testing"

	"github.com/cloudagent-dev/cloudagent/pkg/storage"
)

func newTestStore(t *testing.T, maxFileSize int64) *Store {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(s, maxFileSize)
}

func TestAppendAndReadSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)

	lines := []string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant"}`,
		`{"type":"result"}`,
	}
	for _, line := range lines {
		if err := store.AppendMessage(ctx, "t1", []byte(line)); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := store.ReadSession(ctx, "t1")
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if len(got) != len(lines) {
		t.Fatalf("lines = %d, want %d", len(got), len(lines))
	}
	for i := range lines {
		if string(got[i]) != lines[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], lines[i])
		}
	}

	raw, err := store.RawSession(ctx, "t1")
	if err != nil {
		t.Fatalf("RawSession: %v", err)
	}
	if bytes.Count(raw, []byte("\n")) != 3 {
		t.Errorf("raw = %q", raw)
	}
}

func TestReadSessionEmpty(t *testing.T) {
	store := newTestStore(t, 0)
	got, err := store.ReadSession(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("ReadSession: %v", err)
	}
	if got != nil {
		t.Errorf("ReadSession = %v, want nil", got)
	}
}

func TestResetSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)

	if err := store.AppendMessage(ctx, "t1", []byte(`{"type":"assistant"}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.ResetSession(ctx, "t1"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	got, _ := store.ReadSession(ctx, "t1")
	if len(got) != 0 {
		t.Errorf("transcript after reset = %v", got)
	}

	// Resetting an absent transcript is fine.
	if err := store.ResetSession(ctx, "t1"); err != nil {
		t.Errorf("second ResetSession: %v", err)
	}
}

func TestSaveFilesSizeCeiling(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 10)

	saved, skipped, err := store.SaveFiles(ctx, "t1", []File{
		{Path: "small.txt", Data: []byte("ok")},
		{Path: "big.bin", Data: bytes.Repeat([]byte("x"), 11)},
		{Path: "sub/other.go", Data: []byte("package x")},
	})
	if err != nil {
		t.Fatalf("SaveFiles: %v", err)
	}
	if len(saved) != 2 || len(skipped) != 1 || skipped[0] != "big.bin" {
		t.Errorf("saved = %v, skipped = %v", saved, skipped)
	}

	paths, err := store.ListFiles(ctx, "t1")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("ListFiles = %v", paths)
	}

	data, err := store.ReadFile(ctx, "t1", "sub/other.go")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "package x" {
		t.Errorf("ReadFile = %q", data)
	}
}
