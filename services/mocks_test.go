package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/Coding-for-Machine/video-transcoder/models"
	"github.com/Coding-for-Machine/video-transcoder/transcoder"
)

// --- notifier / retry queue mocks ---

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) NotifyVideoReady(ctx context.Context, videoID, userID uuid.UUID, manifestURL, thumbnailURL string) error {
	args := m.Called(ctx, videoID, userID, manifestURL, thumbnailURL)
	return args.Error(0)
}

func (m *NotifierMock) NotifyVideoPartialReady(ctx context.Context, videoID, userID uuid.UUID, manifestURL string, ready, missing []string) error {
	args := m.Called(ctx, videoID, userID, manifestURL, ready, missing)
	return args.Error(0)
}

func (m *NotifierMock) NotifyVideoFailed(ctx context.Context, videoID, userID uuid.UUID, reason string) error {
	args := m.Called(ctx, videoID, userID, reason)
	return args.Error(0)
}

type RetryQueueMock struct {
	mock.Mock
}

func (m *RetryQueueMock) EnqueueRetry(ctx context.Context, job models.QualityRetryJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

type JobQueueMock struct {
	mock.Mock
}

func (m *JobQueueMock) EnqueueEncode(ctx context.Context, job models.EncodingJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// --- in-memory repositories ---

type memVideos struct {
	mu     sync.Mutex
	videos map[uuid.UUID]models.Video

	// beforeUpdate runs ahead of every conditional write.
	beforeUpdate func()
}

func newMemVideos(videos ...models.Video) *memVideos {
	r := &memVideos{videos: make(map[uuid.UUID]models.Video)}
	for _, v := range videos {
		r.videos[v.ID] = v
	}
	return r
}

func (r *memVideos) Create(_ context.Context, v *models.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videos[v.ID] = *v
	return nil
}

func (r *memVideos) FindByID(_ context.Context, id uuid.UUID) (*models.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	v.AvailableQualities = append([]string(nil), v.AvailableQualities...)
	return &v, nil
}

func (r *memVideos) UpdateIfStatus(_ context.Context, v *models.Video, expected models.VideoStatus) (bool, error) {
	if r.beforeUpdate != nil {
		r.beforeUpdate()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.videos[v.ID]
	if !ok {
		return false, models.ErrNotFound
	}
	if current.Status != expected {
		return false, nil
	}
	r.videos[v.ID] = *v
	return true, nil
}

func (r *memVideos) put(v models.Video) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videos[v.ID] = v
}

func (r *memVideos) setStatus(id uuid.UUID, status models.VideoStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.videos[id]
	v.Status = status
	r.videos[id] = v
}

func (r *memVideos) get(id uuid.UUID) models.Video {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.videos[id]
}

type variantKey struct {
	video   uuid.UUID
	quality string
}

type memVariants struct {
	mu       sync.Mutex
	variants map[variantKey]models.VideoQualityVariant
	upserts  int

	onList func()
}

func newMemVariants(rows ...models.VideoQualityVariant) *memVariants {
	r := &memVariants{variants: make(map[variantKey]models.VideoQualityVariant)}
	for _, v := range rows {
		r.variants[variantKey{v.VideoID, v.QualityName}] = v
	}
	return r
}

func (r *memVariants) UpsertBatch(_ context.Context, rows []models.VideoQualityVariant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	for _, v := range rows {
		r.variants[variantKey{v.VideoID, v.QualityName}] = v
	}
	return nil
}

func (r *memVariants) Update(_ context.Context, v *models.VideoQualityVariant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[variantKey{v.VideoID, v.QualityName}] = *v
	return nil
}

// ListByVideo calls onList after taking its snapshot, so a hook can hold a
// caller on stale rows.
func (r *memVariants) ListByVideo(_ context.Context, id uuid.UUID) ([]models.VideoQualityVariant, error) {
	r.mu.Lock()
	var out []models.VideoQualityVariant
	for k, v := range r.variants {
		if k.video == id {
			out = append(out, v)
		}
	}
	onList := r.onList
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return models.RetryPriority(out[i].QualityName) < models.RetryPriority(out[j].QualityName)
	})
	if onList != nil {
		onList()
	}
	return out, nil
}

func (r *memVariants) get(id uuid.UUID, quality string) (models.VideoQualityVariant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.variants[variantKey{id, quality}]
	return v, ok
}

func (r *memVariants) count(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.variants {
		if k.video == id {
			n++
		}
	}
	return n
}

// --- in-memory object storage ---

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	getErr  error
	putErr  func(bucket, key string) error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) seed(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = data
}

func (s *memStorage) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s does not exist", bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) PutObject(_ context.Context, bucket, key string, r io.Reader, _ int64, _ string) error {
	if s.putErr != nil {
		if err := s.putErr(bucket, key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = data
	s.puts = append(s.puts, bucket+"/"+key)
	return nil
}

func (s *memStorage) StatObject(_ context.Context, bucket, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return 0, fmt.Errorf("object %s/%s does not exist", bucket, key)
	}
	return int64(len(data)), nil
}

func (s *memStorage) PresignedPutURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "http://minio.local/" + bucket + "/" + key + "?X-Amz-Signature=test", nil
}

func (s *memStorage) PublicURL(bucket, key string) string {
	return "http://cdn.local/" + bucket + "/" + key
}

func (s *memStorage) object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

func (s *memStorage) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *memStorage) putsWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.puts {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// --- fake engine ---

type fakeEngine struct {
	meta    models.VideoMetadata
	metaErr error
	failing map[string]bool

	onMetadata  func()
	onThumbnail func()
	onEncode    func(ctx context.Context, q string, killed <-chan struct{}) error

	mu       sync.Mutex
	encoded  []string
	killed   chan struct{}
	killOnce sync.Once
	kills    int
}

func newFakeEngine(meta models.VideoMetadata, failing ...string) *fakeEngine {
	e := &fakeEngine{meta: meta, failing: make(map[string]bool), killed: make(chan struct{})}
	for _, q := range failing {
		e.failing[q] = true
	}
	return e
}

func (e *fakeEngine) ExtractMetadata(_ context.Context, path string) (*models.VideoMetadata, error) {
	if e.metaErr != nil {
		return nil, &models.MetadataError{Path: path, Err: e.metaErr}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &models.MetadataError{Path: path, Err: err}
	}
	if e.onMetadata != nil {
		e.onMetadata()
	}
	meta := e.meta
	return &meta, nil
}

func (e *fakeEngine) GenerateThumbnail(_ context.Context, _, outPath string, _ float64) (string, error) {
	if err := os.WriteFile(outPath, []byte("jpeg"), 0o644); err != nil {
		return "", &models.ThumbnailError{Err: err}
	}
	if e.onThumbnail != nil {
		e.onThumbnail()
	}
	return outPath, nil
}

func (e *fakeEngine) EncodeQuality(ctx context.Context, req transcoder.EncodeRequest, onProgress func(models.EncodeProgress)) error {
	e.mu.Lock()
	e.encoded = append(e.encoded, req.Quality.Name)
	e.mu.Unlock()

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return err
	}
	if e.onEncode != nil {
		if err := e.onEncode(ctx, req.Quality.Name, e.killed); err != nil {
			return &models.EncodeError{Quality: req.Quality.Name, Err: err}
		}
	}

	onProgress(models.EncodeProgress{Quality: req.Quality.Name, Percent: 50})
	seg := filepath.Join(req.OutputDir, "segment_000.ts")
	if err := os.WriteFile(seg, []byte("ts-"+req.Quality.Name), 0o644); err != nil {
		return err
	}
	if e.failing[req.Quality.Name] {
		return &models.EncodeError{Quality: req.Quality.Name, Err: errors.New("exit status 1: encoder exploded")}
	}
	playlist := "#EXTM3U\n#EXTINF:6.0,\nsegment_000.ts\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(filepath.Join(req.OutputDir, transcoder.VariantManifest), []byte(playlist), 0o644); err != nil {
		return err
	}
	onProgress(models.EncodeProgress{Quality: req.Quality.Name, Percent: 100})
	return nil
}

func (e *fakeEngine) KillAll() {
	e.mu.Lock()
	e.kills++
	e.mu.Unlock()
	e.killOnce.Do(func() { close(e.killed) })
}

func (e *fakeEngine) encodedQualities() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.SortByLadder(e.encoded)
}

func (e *fakeEngine) killCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kills
}

// --- progress recorder ---

type progressRecorder struct {
	mu     sync.Mutex
	values []int
}

func (r *progressRecorder) Report(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, p)
}

func (r *progressRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

type staticProgress struct {
	live *models.LiveProgress
	err  error
}

func (s staticProgress) GetProgress(context.Context, uuid.UUID) (*models.LiveProgress, error) {
	return s.live, s.err
}
