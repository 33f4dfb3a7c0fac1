// Package artifact persists per-task session transcripts and captured files.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudagent-dev/cloudagent/pkg/cerr"
	"github.com/cloudagent-dev/cloudagent/pkg/storage"
)

const artifactsPrefix = "artifacts"

// File is one captured repository file.
type File struct {
	Path string
	Data []byte
}

// Store keeps an append-only JSONL transcript per task id plus the set of
// files the agent changed. Each attempt starts its transcript from scratch;
// once the task is terminal nothing touches the artifacts again.
type Store struct {
	storage     storage.Storage
	maxFileSize int64
}

func NewStore(s storage.Storage, maxFileSize int64) *Store {
	return &Store{storage: s, maxFileSize: maxFileSize}
}

func sessionPath(taskID string) string {
	return fmt.Sprintf("%s/%s/session.jsonl", artifactsPrefix, taskID)
}

func filePath(taskID, rel string) string {
	return fmt.Sprintf("%s/%s/files/%s", artifactsPrefix, taskID, rel)
}

// AppendMessage durably appends one raw agent message line. Partial
// transcripts survive sandbox kills because every line is flushed as it
// arrives.
func (s *Store) AppendMessage(ctx context.Context, taskID string, raw []byte) error {
	line := append(bytes.TrimRight(raw, "\n"), '\n')
	if err := s.storage.Append(ctx, sessionPath(taskID), line); err != nil {
		return cerr.WrapStorageWriteError("session transcript", err)
	}
	return nil
}

// ResetSession discards any transcript from a prior attempt.
func (s *Store) ResetSession(ctx context.Context, taskID string) error {
	err := s.storage.Delete(ctx, sessionPath(taskID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return cerr.WrapStorageDeleteError("session transcript", err)
	}
	return nil
}

// ReadSession returns the transcript as raw JSONL lines, oldest first.
func (s *Store) ReadSession(ctx context.Context, taskID string) ([][]byte, error) {
	data, err := s.storage.Read(ctx, sessionPath(taskID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, cerr.WrapStorageReadError("session transcript", err)
	}
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// RawSession returns the transcript bytes as stored, for local resume.
func (s *Store) RawSession(ctx context.Context, taskID string) ([]byte, error) {
	data, err := s.storage.Read(ctx, sessionPath(taskID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, cerr.NewError(cerr.NotFound, "no session transcript", err)
		}
		return nil, cerr.WrapStorageReadError("session transcript", err)
	}
	return data, nil
}

// SaveFiles stores the captured files, skipping any over the size ceiling.
// Oversized files are skipped whole, never truncated. Returns the paths
// actually saved and those skipped.
func (s *Store) SaveFiles(ctx context.Context, taskID string, files []File) (saved, skipped []string, err error) {
	for _, f := range files {
		if s.maxFileSize > 0 && int64(len(f.Data)) > s.maxFileSize {
			skipped = append(skipped, f.Path)
			continue
		}
		if err := s.storage.Write(ctx, filePath(taskID, f.Path), f.Data); err != nil {
			return saved, skipped, cerr.WrapStorageWriteError("artifact file", err)
		}
		saved = append(saved, f.Path)
	}
	return saved, skipped, nil
}

// ListFiles returns the relative paths of captured files for the task.
func (s *Store) ListFiles(ctx context.Context, taskID string) ([]string, error) {
	prefix := fmt.Sprintf("%s/%s/files", artifactsPrefix, taskID)
	paths, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("artifact files", err)
	}
	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		rels = append(rels, strings.TrimPrefix(p, prefix+"/"))
	}
	return rels, nil
}

// ReadFile returns one captured file by its relative path.
func (s *Store) ReadFile(ctx context.Context, taskID, rel string) ([]byte, error) {
	data, err := s.storage.Read(ctx, filePath(taskID, rel))
	if err != nil {
		return nil, cerr.WrapStorageReadError("artifact file", err)
	}
	return data, nil
}
