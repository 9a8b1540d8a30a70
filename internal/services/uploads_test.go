package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Jaini604/Simple-Video-Uploader/internal/artifacts"
	"github.com/Jaini604/Simple-Video-Uploader/internal/media"
	"github.com/Jaini604/Simple-Video-Uploader/internal/media/mocks"
	"github.com/Jaini604/Simple-Video-Uploader/internal/metrics"
	"github.com/Jaini604/Simple-Video-Uploader/internal/upload"
)

type recordedAlerts struct {
	mu          sync.Mutex
	merges      []string
	conversions []string
	expired     int
}

func (a *recordedAlerts) MergeFailed(fileName string, _ int, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.merges = append(a.merges, fileName)
}

func (a *recordedAlerts) ConversionFailed(fileName, _ string, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversions = append(a.conversions, fileName)
}

func (a *recordedAlerts) UploadsExpired(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expired += n
}

type fixture struct {
	svc       *UploadService
	store     *upload.DiskStore
	registry  *upload.Registry
	index     *artifacts.Index
	alerts    *recordedAlerts
	publicDir string
}

type fixtureOpts struct {
	conv  media.Converter
	store upload.ChunkStore
	ttl   time.Duration
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	root := t.TempDir()

	disk, err := upload.NewDiskStore(filepath.Join(root, "chunks"))
	require.NoError(t, err)
	var store upload.ChunkStore = disk
	if opts.store != nil {
		store = opts.store
	}

	publicDir := filepath.Join(root, "uploads")
	merger, err := upload.NewMerger(store, publicDir, zerolog.Nop())
	require.NoError(t, err)

	idx, err := artifacts.Open(filepath.Join(root, "artifacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	if opts.conv == nil {
		opts.conv = media.CopyConverter{}
	}
	if opts.ttl == 0 {
		opts.ttl = 30 * time.Minute
	}

	registry := upload.NewRegistry(1000)
	alerts := &recordedAlerts{}
	svc := NewUploadService(Deps{
		Store:    store,
		Registry: registry,
		Merger:   merger,
		Processor: media.NewPostProcessor(opts.conv, media.ProcessorConfig{
			Mapping:       map[string]string{".mov": ".mp4"},
			MaxConcurrent: 2,
			Timeout:       time.Minute,
		}, zerolog.Nop()),
		Index:        idx,
		Alerts:       alerts,
		Metrics:      metrics.New(nil),
		Log:          zerolog.Nop(),
		ChunkTimeout: opts.ttl,
	})

	return &fixture{svc: svc, store: disk, registry: registry, index: idx, alerts: alerts, publicDir: publicDir}
}

func (f *fixture) send(t *testing.T, name string, index, total int, data []byte) (*ChunkOutcome, error) {
	t.Helper()
	return f.svc.HandleChunk(context.Background(), ChunkRequest{
		FileName: name,
		Index:    index,
		Total:    total,
		Data:     bytes.NewReader(data),
	})
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func split(data []byte, size int) [][]byte {
	var parts [][]byte
	for len(data) > size {
		parts = append(parts, data[:size])
		data = data[size:]
	}
	return append(parts, data)
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestClipMovConvertedToMP4(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	file := randomBytes(20480+20480+5000, 1)
	parts := split(file, 20480)
	require.Len(t, parts, 3)

	out, err := f.send(t, "clip.mov", 2, 3, parts[2])
	require.NoError(t, err)
	assert.False(t, out.Complete)
	assert.Equal(t, "Chunk 3 uploaded, waiting for other chunks...", out.Message())

	out, err = f.send(t, "clip.mov", 0, 3, parts[0])
	require.NoError(t, err)
	assert.False(t, out.Complete)
	assert.Equal(t, "Chunk 1 uploaded, waiting for other chunks...", out.Message())

	out, err = f.send(t, "clip.mov", 1, 3, parts[1])
	require.NoError(t, err)
	assert.True(t, out.Complete)
	assert.Equal(t, "/uploads/clip.mp4", out.FilePath)

	got, err := os.ReadFile(filepath.Join(f.publicDir, "clip.mp4"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(file, got))
	assert.Equal(t, []string{"clip.mp4"}, dirEntries(t, f.publicDir))
	assert.Empty(t, dirEntries(t, f.store.Dir()))
	assert.Zero(t, f.registry.Len())

	path, err := f.svc.Finalize("clip.mov")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/clip.mp4", path)

	rec, err := f.index.Get("clip.mov")
	require.NoError(t, err)
	assert.True(t, rec.Transcoded)
	assert.Equal(t, int64(len(file)), rec.Size)
}

func TestAnyArrivalOrderProducesSameFile(t *testing.T) {
	file := randomBytes(7*1000+123, 2)
	parts := split(file, 1000)

	for seed := int64(0); seed < 5; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			f := newFixture(t, fixtureOpts{})
			order := rand.New(rand.NewSource(seed)).Perm(len(parts))

			var completions int
			for _, i := range order {
				out, err := f.send(t, "data.bin", i, len(parts), parts[i])
				require.NoError(t, err)
				if out.Complete {
					completions++
					assert.Equal(t, "/uploads/data.bin", out.FilePath)
				}
			}
			assert.Equal(t, 1, completions)

			got, err := os.ReadFile(filepath.Join(f.publicDir, "data.bin"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(file, got))
		})
	}
}

func TestRetransmittedChunkIsIdempotent(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.send(t, "a.txt", 0, 2, []byte("stale"))
	require.NoError(t, err)
	out, err := f.send(t, "a.txt", 0, 2, []byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Received)
	assert.Len(t, dirEntries(t, f.store.Dir()), 1, "replaced chunk released")

	out, err = f.send(t, "a.txt", 1, 2, []byte("world"))
	require.NoError(t, err)
	require.True(t, out.Complete)

	got, err := os.ReadFile(filepath.Join(f.publicDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestConcurrentRedeliveryCompletesOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	file := randomBytes(32*256, 3)
	parts := split(file, 256)

	id, err := f.svc.Init("burst.bin", len(parts))
	require.NoError(t, err)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		completions []string
	)
	for i := range parts {
		for dup := 0; dup < 3; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out, err := f.svc.HandleChunk(context.Background(), ChunkRequest{
					UploadID: id,
					Index:    i,
					Total:    len(parts),
					Data:     bytes.NewReader(parts[i]),
				})
				if err != nil {
					// copies arriving after the upload finished
					assert.ErrorIs(t, err, upload.ErrUploadNotFound)
					return
				}
				if out.Complete {
					mu.Lock()
					completions = append(completions, out.FilePath)
					mu.Unlock()
				}
			}(i)
		}
	}
	wg.Wait()

	require.Len(t, completions, 1)
	got, err := os.ReadFile(filepath.Join(f.publicDir, "burst.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(file, got))
	assert.Empty(t, dirEntries(t, f.store.Dir()))
}

func TestIndexOutOfRangeCreatesNothing(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	for _, idx := range []int{-1, 3} {
		_, err := f.send(t, "x.bin", idx, 3, []byte("x"))
		assert.ErrorIs(t, err, upload.ErrIndexOutOfRange)
	}
	assert.Zero(t, f.registry.Len())
	assert.Empty(t, dirEntries(t, f.store.Dir()))
}

func TestTotalMismatchLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.send(t, "x.bin", 0, 3, []byte("a"))
	require.NoError(t, err)

	_, err = f.send(t, "x.bin", 1, 4, []byte("b"))
	assert.ErrorIs(t, err, upload.ErrProtocolInconsistency)

	st, err := f.svc.Status("x.bin")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Received)
	assert.Equal(t, []int{1, 2}, st.Missing)
	assert.Len(t, dirEntries(t, f.store.Dir()), 1)
}

func TestValidation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.send(t, "", 0, 1, []byte("a"))
	assert.ErrorIs(t, err, upload.ErrValidation)

	_, err = f.send(t, "..", 0, 1, []byte("a"))
	assert.ErrorIs(t, err, upload.ErrValidation)

	_, err = f.send(t, "a.bin", 0, 0, []byte("a"))
	assert.ErrorIs(t, err, upload.ErrValidation)

	_, err = f.svc.HandleChunk(context.Background(), ChunkRequest{FileName: "a.bin", Total: 1})
	assert.ErrorIs(t, err, upload.ErrValidation)
}

func TestFinalizeWithoutUpload(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.svc.Finalize("never.mov")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	_, err = f.svc.Finalize("")
	assert.ErrorIs(t, err, upload.ErrValidation)
}

func TestFinalizeBeforeLastChunk(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.send(t, "half.bin", 0, 2, []byte("a"))
	require.NoError(t, err)

	_, err = f.svc.Finalize("half.bin")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestFinalizeFallsBackToDisk(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	require.NoError(t, os.WriteFile(filepath.Join(f.publicDir, "old.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.publicDir, "plain.txt"), []byte("x"), 0o644))

	path, err := f.svc.Finalize("old.mov")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/old.mp4", path)

	path, err = f.svc.Finalize("plain.txt")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/plain.txt", path)
}

func TestMergeFailureReported(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	_, err := f.send(t, "gone.bin", 0, 2, []byte("aaa"))
	require.NoError(t, err)
	for _, name := range dirEntries(t, f.store.Dir()) {
		require.NoError(t, os.Remove(filepath.Join(f.store.Dir(), name)))
	}

	_, err = f.send(t, "gone.bin", 1, 2, []byte("bbb"))
	require.Error(t, err)
	assert.ErrorIs(t, err, upload.ErrMerge)

	var me *upload.MergeError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 0, me.Index)

	assert.Empty(t, dirEntries(t, f.publicDir))
	assert.Empty(t, dirEntries(t, f.store.Dir()))
	assert.Zero(t, f.registry.Len())
	assert.Equal(t, []string{"gone.bin"}, f.alerts.merges)

	// a fresh upload under the same name starts over
	out, err := f.send(t, "gone.bin", 0, 1, []byte("ok"))
	require.NoError(t, err)
	assert.True(t, out.Complete)
}

func TestConversionFailureKeepsMergedFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	conv := mocks.NewMockConverter(ctrl)
	conv.EXPECT().
		Convert(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&media.ExecError{Code: 1, Stderr: "Invalid data found when processing input"})

	f := newFixture(t, fixtureOpts{conv: conv})

	_, err := f.send(t, "bad.mov", 0, 1, []byte("not a video"))
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrConversion)

	got, err := os.ReadFile(filepath.Join(f.publicDir, "bad.mov"))
	require.NoError(t, err)
	assert.Equal(t, "not a video", string(got))
	assert.Equal(t, []string{"bad.mov"}, f.alerts.conversions)

	_, err = f.svc.Finalize("bad.mov")
	assert.ErrorIs(t, err, media.ErrConversion)
}

func TestInitIsolatesSameFileName(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	a, err := f.svc.Init("same.bin", 2)
	require.NoError(t, err)
	b, err := f.svc.Init("same.bin", 3)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = f.svc.HandleChunk(context.Background(), ChunkRequest{UploadID: a, Index: 0, Total: 2, Data: bytes.NewReader([]byte("a0"))})
	require.NoError(t, err)
	_, err = f.svc.HandleChunk(context.Background(), ChunkRequest{UploadID: b, Index: 2, Total: 3, Data: bytes.NewReader([]byte("b2"))})
	require.NoError(t, err)

	sa, err := f.svc.Status(a)
	require.NoError(t, err)
	sb, err := f.svc.Status(b)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, sa.Missing)
	assert.Equal(t, []int{0, 1}, sb.Missing)

	out, err := f.svc.HandleChunk(context.Background(), ChunkRequest{UploadID: a, Index: 1, Total: 2, Data: bytes.NewReader([]byte("a1"))})
	require.NoError(t, err)
	assert.True(t, out.Complete)

	_, err = f.svc.Status(a)
	assert.ErrorIs(t, err, upload.ErrUploadNotFound)
	_, err = f.svc.Status(b)
	assert.NoError(t, err)

	_, err = f.svc.HandleChunk(context.Background(), ChunkRequest{UploadID: "missing", Index: 0, Total: 1, Data: bytes.NewReader(nil)})
	assert.ErrorIs(t, err, upload.ErrUploadNotFound)
}

type brokenStore struct {
	*upload.DiskStore
}

func (brokenStore) Put(context.Context, string, int, io.Reader) (upload.ChunkRef, error) {
	return upload.ChunkRef{}, &upload.StorageError{Op: "write", Err: errors.New("disk full")}
}

func TestStorageFailureDropsNewSession(t *testing.T) {
	disk, err := upload.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, fixtureOpts{store: brokenStore{disk}})

	_, err = f.send(t, "x.bin", 0, 2, []byte("a"))
	assert.ErrorIs(t, err, upload.ErrStorage)
	assert.Zero(t, f.registry.Len())
}

// gatedStore fails the first write of index 0 once index 1 is mid-write,
// and holds index 1 until released.
type gatedStore struct {
	*upload.DiskStore
	firstEntered  chan struct{}
	secondEntered chan struct{}
	release       chan struct{}
	failed        bool
}

func (g *gatedStore) Put(ctx context.Context, token string, index int, r io.Reader) (upload.ChunkRef, error) {
	if index == 0 && !g.failed {
		g.failed = true
		close(g.firstEntered)
		<-g.secondEntered
		return upload.ChunkRef{}, &upload.StorageError{Op: "write", Err: errors.New("disk full")}
	}
	if index == 1 {
		close(g.secondEntered)
		<-g.release
	}
	return g.DiskStore.Put(ctx, token, index, r)
}

func TestStorageFailureLeavesConcurrentChunkAlone(t *testing.T) {
	disk, err := upload.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	store := &gatedStore{
		DiskStore:     disk,
		firstEntered:  make(chan struct{}),
		secondEntered: make(chan struct{}),
		release:       make(chan struct{}),
	}
	f := newFixture(t, fixtureOpts{store: store})

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.send(t, "race.bin", 0, 2, []byte("a"))
		firstErr <- err
	}()
	<-store.firstEntered

	type result struct {
		out *ChunkOutcome
		err error
	}
	second := make(chan result, 1)
	go func() {
		out, err := f.send(t, "race.bin", 1, 2, []byte("b"))
		second <- result{out, err}
	}()

	assert.ErrorIs(t, <-firstErr, upload.ErrStorage)
	close(store.release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.out.Received)
	assert.False(t, res.out.Complete)
	assert.Equal(t, 1, f.registry.Len())

	out, err := f.send(t, "race.bin", 0, 2, []byte("a"))
	require.NoError(t, err)
	assert.True(t, out.Complete)
	got, err := os.ReadFile(filepath.Join(f.publicDir, "race.bin"))
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))
}

// slowMergeStore blocks the first chunk read of a merge until released.
type slowMergeStore struct {
	*upload.DiskStore
	once    sync.Once
	merging chan struct{}
	release chan struct{}
}

func (m *slowMergeStore) Open(ref upload.ChunkRef) (io.ReadCloser, error) {
	m.once.Do(func() {
		close(m.merging)
		<-m.release
	})
	return m.DiskStore.Open(ref)
}

func TestChunkDuringMergeIsFlaggedDuplicate(t *testing.T) {
	disk, err := upload.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	store := &slowMergeStore{DiskStore: disk, merging: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, fixtureOpts{store: store})

	_, err = f.send(t, "late.bin", 0, 2, []byte("a"))
	require.NoError(t, err)

	done := make(chan *ChunkOutcome, 1)
	go func() {
		out, err := f.send(t, "late.bin", 1, 2, []byte("b"))
		assert.NoError(t, err)
		done <- out
	}()
	<-store.merging

	out, err := f.send(t, "late.bin", 0, 2, []byte("other upload"))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.False(t, out.Complete)

	close(store.release)
	final := <-done
	require.NotNil(t, final)
	assert.True(t, final.Complete)
	assert.False(t, final.Duplicate)

	got, err := os.ReadFile(filepath.Join(f.publicDir, "late.bin"))
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got))
}

func TestCleanupExpired(t *testing.T) {
	f := newFixture(t, fixtureOpts{ttl: time.Millisecond})

	_, err := f.send(t, "idle.bin", 0, 2, []byte("a"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, f.svc.CleanupExpired())
	assert.Zero(t, f.registry.Len())
	assert.Empty(t, dirEntries(t, f.store.Dir()))
	assert.Equal(t, 1, f.alerts.expired)
}
