package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Jaini604/Simple-Video-Uploader/internal/util"
)

// ChunkRef points at the transient copy of one received chunk.
type ChunkRef struct {
	Path string
	Size int64
}

type ChunkStore interface {
	Put(ctx context.Context, token string, index int, r io.Reader) (ChunkRef, error)
	Open(ref ChunkRef) (io.ReadCloser, error)
	Release(ref ChunkRef) error
	Purge(token string) (int, error)
}

// DiskStore keeps chunks as individual files in one directory. Every Put
// gets its own file, so a retried index never races the original write.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Err: err}
	}
	return &DiskStore{dir: dir}, nil
}

func (d *DiskStore) Dir() string {
	return d.dir
}

func chunkPrefix(token string) string {
	return "chunk-" + token + "-"
}

func (d *DiskStore) Put(ctx context.Context, token string, index int, r io.Reader) (ChunkRef, error) {
	if err := ctx.Err(); err != nil {
		return ChunkRef{}, &StorageError{Op: "write", Err: err}
	}

	name := fmt.Sprintf("%s%06d-%s", chunkPrefix(token), index, uuid.New().String())
	path := filepath.Join(d.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return ChunkRef{}, &StorageError{Op: "create", Err: err}
	}

	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(path)
		return ChunkRef{}, &StorageError{Op: "write", Err: err}
	}

	return ChunkRef{Path: path, Size: n}, nil
}

func (d *DiskStore) Open(ref ChunkRef) (io.ReadCloser, error) {
	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	return f, nil
}

func (d *DiskStore) Release(ref ChunkRef) error {
	if ref.Path == "" {
		return nil
	}
	if err := os.Remove(ref.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "remove", Err: err}
	}
	return nil
}

// Purge removes every chunk file written for token.
func (d *DiskStore) Purge(token string) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, &StorageError{Op: "readdir", Err: err}
	}
	prefix := chunkPrefix(token)
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Clear drops every chunk in the directory. Sessions are not persisted, so
// chunks found at startup can never be merged.
func (d *DiskStore) Clear() (int, error) {
	n, err := util.ClearDir(d.dir)
	if err != nil {
		return n, &StorageError{Op: "clear", Err: err}
	}
	return n, nil
}
