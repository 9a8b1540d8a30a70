package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Merged describes the file assembled from a completed session.
type Merged struct {
	Name     string
	Path     string
	Size     int64
	SHA256   string
	Chunks   int
	Duration time.Duration
}

// Merger concatenates a session's chunks, in index order, into a file in
// the public directory. The target only appears once it is complete.
type Merger struct {
	store  ChunkStore
	outDir string
	log    zerolog.Logger
}

func NewMerger(store ChunkStore, outDir string, log zerolog.Logger) (*Merger, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Merger{store: store, outDir: outDir, log: log}, nil
}

func (m *Merger) OutputDir() string {
	return m.outDir
}

// Merge consumes every chunk of s. Each chunk is released as soon as it has
// been appended. On failure the partial output is removed, the remaining
// chunks are released and the session is closed.
func (m *Merger) Merge(ctx context.Context, s *Session) (*Merged, error) {
	start := time.Now()

	refs, err := s.Refs()
	if err != nil {
		return nil, err
	}

	target := filepath.Join(m.outDir, s.FileName)
	partial := filepath.Join(m.outDir, "."+s.FileName+".partial-"+s.Token)

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, m.fail(s, refs, 0, partial, fmt.Errorf("create output: %w", err))
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)
	var size int64

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			f.Close()
			return nil, m.fail(s, refs[i:], i, partial, err)
		}
		n, err := m.appendChunk(w, ref)
		if err != nil {
			f.Close()
			return nil, m.fail(s, refs[i:], i, partial, err)
		}
		size += n
		if err := m.store.Release(ref); err != nil {
			m.log.Warn().Err(err).Str("chunk", ref.Path).Msg("Failed to release merged chunk")
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, m.fail(s, nil, -1, partial, fmt.Errorf("sync output: %w", err))
	}
	if err := f.Close(); err != nil {
		return nil, m.fail(s, nil, -1, partial, fmt.Errorf("close output: %w", err))
	}
	if err := os.Rename(partial, target); err != nil {
		return nil, m.fail(s, nil, -1, partial, fmt.Errorf("publish output: %w", err))
	}

	s.Abandon()

	return &Merged{
		Name:     s.FileName,
		Path:     target,
		Size:     size,
		SHA256:   hex.EncodeToString(h.Sum(nil)),
		Chunks:   len(refs),
		Duration: time.Since(start),
	}, nil
}

func (m *Merger) appendChunk(w io.Writer, ref ChunkRef) (int64, error) {
	rc, err := m.store.Open(ref)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("copy chunk: %w", err)
	}
	if n != ref.Size {
		return n, fmt.Errorf("chunk is %d bytes, expected %d", n, ref.Size)
	}
	return n, nil
}

func (m *Merger) fail(s *Session, pending []ChunkRef, index int, partial string, cause error) error {
	os.Remove(partial)
	for _, ref := range pending {
		if err := m.store.Release(ref); err != nil {
			m.log.Warn().Err(err).Str("chunk", ref.Path).Msg("Failed to release chunk after merge error")
		}
	}
	s.Abandon()
	return &MergeError{Index: index, Err: cause}
}
