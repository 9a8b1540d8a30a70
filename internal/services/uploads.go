package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jaini604/Simple-Video-Uploader/internal/artifacts"
	"github.com/Jaini604/Simple-Video-Uploader/internal/config"
	"github.com/Jaini604/Simple-Video-Uploader/internal/logging"
	"github.com/Jaini604/Simple-Video-Uploader/internal/media"
	"github.com/Jaini604/Simple-Video-Uploader/internal/metrics"
	"github.com/Jaini604/Simple-Video-Uploader/internal/upload"
	"github.com/Jaini604/Simple-Video-Uploader/internal/util"
)

var ErrArtifactNotFound = errors.New("artifact not found")

type Processor interface {
	Process(ctx context.Context, artifactPath, originalName string) (*media.Processed, error)
	Target(fileName string) (string, bool)
	DerivedPath(path string) string
}

type ArtifactIndex interface {
	Put(rec artifacts.Record) error
	Get(fileName string) (*artifacts.Record, error)
}

type Alerter interface {
	MergeFailed(fileName string, chunks int, err error)
	ConversionFailed(fileName, target string, err error)
	UploadsExpired(count int)
}

type Deps struct {
	Store             upload.ChunkStore
	Registry          *upload.Registry
	Merger            *upload.Merger
	Processor         Processor
	Index             ArtifactIndex
	Alerts            Alerter
	Metrics           *metrics.Metrics
	Log               zerolog.Logger
	ChunkTimeout      time.Duration
	MaxFileNameLength int
}

// UploadService drives the chunked upload protocol: it stores chunks,
// records them in their session and runs merge plus post-processing for
// the request that completes an upload.
type UploadService struct {
	store      upload.ChunkStore
	registry   *upload.Registry
	merger     *upload.Merger
	processor  Processor
	index      ArtifactIndex
	alerts     Alerter
	metrics    *metrics.Metrics
	log        zerolog.Logger
	ttl        time.Duration
	maxNameLen int
	now        func() time.Time
}

func NewUploadService(d Deps) *UploadService {
	if d.MaxFileNameLength <= 0 {
		d.MaxFileNameLength = config.MaxFileNameLength
	}
	return &UploadService{
		store:      d.Store,
		registry:   d.Registry,
		merger:     d.Merger,
		processor:  d.Processor,
		index:      d.Index,
		alerts:     d.Alerts,
		metrics:    d.Metrics,
		log:        logging.Component(d.Log, "upload"),
		ttl:        d.ChunkTimeout,
		maxNameLen: d.MaxFileNameLength,
		now:        time.Now,
	}
}

type ChunkRequest struct {
	UploadID string
	FileName string
	Index    int
	Total    int
	Data     io.Reader
}

type ChunkOutcome struct {
	UploadID  string
	Index     int
	Received  int
	Total     int
	Complete  bool
	// Duplicate means the chunk arrived after its upload started merging
	// and was dropped.
	Duplicate bool
	// FilePath is only set on the request that finished the upload.
	FilePath  string
}

func (o *ChunkOutcome) Message() string {
	return fmt.Sprintf("Chunk %d uploaded, waiting for other chunks...", o.Index+1)
}

func (s *UploadService) cleanName(name string) (string, error) {
	if name == "" {
		return "", upload.Invalid("fileName", "File name is missing from the request")
	}
	clean := util.SanitizeFilename(name, s.maxNameLen)
	if clean == "" {
		return "", upload.Invalid("fileName", "File name %q is not usable", name)
	}
	return clean, nil
}

func (s *UploadService) HandleChunk(ctx context.Context, req ChunkRequest) (*ChunkOutcome, error) {
	if req.Data == nil {
		return nil, upload.Invalid("chunk", "No chunk data")
	}
	if req.Total < 1 {
		return nil, upload.Invalid("totalChunks", "totalChunks must be at least 1")
	}
	if req.Index < 0 || req.Index >= req.Total {
		s.metrics.ChunkStored("rejected", 0)
		return nil, &upload.IndexError{Index: req.Index, Total: req.Total}
	}

	sess, created, err := s.session(req)
	if err != nil {
		s.metrics.ChunkStored("rejected", 0)
		return nil, err
	}
	if err := sess.Check(req.Index, req.Total); err != nil {
		sess.EndPut()
		s.metrics.ChunkStored("rejected", 0)
		return nil, err
	}

	ref, err := s.store.Put(ctx, sess.Token, req.Index, req.Data)
	if err != nil {
		sess.EndPut()
		if created {
			s.registry.Discard(sess.ID, sess)
		}
		s.metrics.ChunkStored("error", 0)
		return nil, err
	}

	res, err := sess.Record(req.Index, req.Total, ref)
	sess.EndPut()
	if err != nil {
		s.release(ref)
		if errors.Is(err, upload.ErrSessionMerging) {
			// late retransmit while the merge is running
			s.metrics.ChunkStored("duplicate", 0)
			return &ChunkOutcome{
				UploadID:  sess.ID,
				Index:     req.Index,
				Received:  res.Received,
				Total:     res.Total,
				Duplicate: true,
			}, nil
		}
		s.metrics.ChunkStored("rejected", 0)
		return nil, err
	}
	if res.Replaced != nil {
		s.release(*res.Replaced)
		s.metrics.ChunkStored("duplicate", ref.Size)
	} else {
		s.metrics.ChunkStored("stored", ref.Size)
	}

	s.log.Debug().
		Str("upload", logging.Short(sess.ID)).
		Int("chunk", req.Index+1).
		Int("received", res.Received).
		Int("total", res.Total).
		Msg("Chunk stored")

	out := &ChunkOutcome{
		UploadID: sess.ID,
		Index:    req.Index,
		Received: res.Received,
		Total:    res.Total,
	}
	if !res.StartMerge {
		return out, nil
	}

	path, err := s.complete(context.WithoutCancel(ctx), sess)
	if err != nil {
		return nil, err
	}
	out.Complete = true
	out.FilePath = path
	return out, nil
}

// session resolves the session a chunk belongs to and holds a put
// reservation on it. The caller ends the reservation once the chunk is
// recorded or rejected.
func (s *UploadService) session(req ChunkRequest) (*upload.Session, bool, error) {
	if req.UploadID != "" {
		sess, ok := s.registry.Get(req.UploadID)
		if !ok {
			return nil, false, upload.ErrUploadNotFound
		}
		if err := sess.BeginPut(); err != nil {
			return nil, false, err
		}
		return sess, false, nil
	}

	name, err := s.cleanName(req.FileName)
	if err != nil {
		return nil, false, err
	}
	return s.registry.Join(name, name, req.Total)
}

func (s *UploadService) release(ref upload.ChunkRef) {
	if err := s.store.Release(ref); err != nil {
		s.log.Warn().Err(err).Str("chunk", filepath.Base(ref.Path)).Msg("Failed to release chunk")
	}
}

// complete merges sess and post-processes the result. It runs on the
// request that recorded the final chunk and returns the servable path.
func (s *UploadService) complete(ctx context.Context, sess *upload.Session) (string, error) {
	merged, err := s.merger.Merge(ctx, sess)
	s.registry.Remove(sess.ID, sess)
	if err != nil {
		s.metrics.MergeFinished(err, 0, 0)
		s.log.Error().Err(err).Str("file", sess.FileName).Int("chunks", sess.Total).Msg("Merge failed")
		if s.alerts != nil {
			s.alerts.MergeFailed(sess.FileName, sess.Total, err)
		}
		return "", err
	}
	s.metrics.MergeFinished(nil, merged.Size, merged.Duration)
	s.log.Info().
		Str("file", merged.Name).
		Int64("bytes", merged.Size).
		Int("chunks", merged.Chunks).
		Dur("took", merged.Duration).
		Msg("All chunks merged")

	rec := artifacts.Record{
		FileName:    merged.Name,
		ServedName:  merged.Name,
		Path:        merged.Path,
		Size:        merged.Size,
		SHA256:      merged.SHA256,
		Chunks:      merged.Chunks,
		Status:      artifacts.StatusReady,
		CompletedAt: s.now().UTC(),
	}

	processed, err := s.processor.Process(ctx, merged.Path, merged.Name)
	if err != nil {
		target, _ := s.processor.Target(merged.Name)
		s.metrics.TranscodeFinished(err, 0)
		s.log.Error().Err(err).Str("file", merged.Name).Str("target", target).Msg("Post-processing failed")
		if s.alerts != nil {
			s.alerts.ConversionFailed(merged.Name, target, err)
		}
		rec.Status = artifacts.StatusConversionFailed
		rec.Error = err.Error()
		s.record(rec)
		return "", err
	}

	if processed.Transcoded {
		s.metrics.TranscodeFinished(nil, processed.Duration)
		rec.Transcoded = true
		rec.Path = processed.Path
		rec.ServedName = filepath.Base(processed.Path)
		if info, err := os.Stat(processed.Path); err == nil {
			rec.Size = info.Size()
		}
	}
	s.record(rec)

	return config.ServedPrefix + rec.ServedName, nil
}

func (s *UploadService) record(rec artifacts.Record) {
	if s.index == nil {
		return
	}
	if err := s.index.Put(rec); err != nil {
		s.log.Warn().Err(err).Str("file", rec.FileName).Msg("Failed to index artifact")
	}
}

// Finalize reports where a finished upload can be fetched. It follows
// conversions recorded in the artifact index and falls back to looking on
// disk for the merged name or its converted name.
func (s *UploadService) Finalize(fileName string) (string, error) {
	name, err := s.cleanName(fileName)
	if err != nil {
		return "", err
	}

	if s.index != nil {
		rec, err := s.index.Get(name)
		switch {
		case err == nil && rec.Status == artifacts.StatusConversionFailed:
			return "", &media.ConversionError{Input: rec.Path, Err: errors.New(rec.Error)}
		case err == nil && util.FileExists(rec.Path):
			return config.ServedPrefix + rec.ServedName, nil
		case err != nil && !errors.Is(err, artifacts.ErrNotFound):
			s.log.Warn().Err(err).Str("file", name).Msg("Artifact index lookup failed")
		}
	}

	merged := filepath.Join(s.merger.OutputDir(), name)
	for _, p := range []string{s.processor.DerivedPath(merged), merged} {
		if util.FileExists(p) {
			return config.ServedPrefix + filepath.Base(p), nil
		}
	}

	s.log.Warn().Str("file", name).Msg("File not found after upload")
	return "", ErrArtifactNotFound
}

// Init opens an upload under a fresh id so concurrent uploads of the same
// file name cannot interfere.
func (s *UploadService) Init(fileName string, total int) (string, error) {
	name, err := s.cleanName(fileName)
	if err != nil {
		return "", err
	}
	sess, err := s.registry.Create(name, total)
	if err != nil {
		return "", err
	}
	s.log.Info().
		Str("upload", logging.Short(sess.ID)).
		Str("file", name).
		Int("chunks", total).
		Msg("Initialized upload")
	return sess.ID, nil
}

type UploadStatus struct {
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName"`
	Received int    `json:"received"`
	Total    int    `json:"total"`
	Missing  []int  `json:"missing"`
	Merging  bool   `json:"merging"`
}

func (s *UploadService) Status(id string) (*UploadStatus, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, upload.ErrUploadNotFound
	}
	received, missing := sess.Progress()
	return &UploadStatus{
		UploadID: sess.ID,
		FileName: sess.FileName,
		Received: received,
		Total:    sess.Total,
		Missing:  missing,
		Merging:  sess.Merging(),
	}, nil
}

func (s *UploadService) ActiveSessions() int {
	return s.registry.Len()
}

// CleanupExpired discards sessions idle for longer than the chunk timeout
// along with every chunk they stored.
func (s *UploadService) CleanupExpired() int {
	expired := s.registry.Reap(s.ttl)
	for _, e := range expired {
		for _, ref := range e.Refs {
			s.release(ref)
		}
		if n, err := s.store.Purge(e.Session.Token); err == nil && n > 0 {
			s.log.Debug().Int("files", n).Str("upload", logging.Short(e.Session.ID)).Msg("Purged stray chunks")
		}
		s.log.Info().
			Str("upload", logging.Short(e.Session.ID)).
			Str("file", e.Session.FileName).
			Msg("Upload timed out, cleaning up")
	}
	if len(expired) > 0 {
		s.metrics.SessionsExpired(len(expired))
		if s.alerts != nil {
			s.alerts.UploadsExpired(len(expired))
		}
	}
	return len(expired)
}

// StartCleanup runs CleanupExpired every interval until ctx is done.
func (s *UploadService) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanupExpired()
			}
		}
	}()
}
