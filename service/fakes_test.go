package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"capture-worker/constant"
	"capture-worker/entities"
	"capture-worker/pkg/encoder"
	"capture-worker/pkg/frame"
	"capture-worker/repository"
)

// ---- fake frame source ----

type fakeStream struct {
	frames   chan *frame.Frame
	width    int
	height   int
	displays int
	primary  string

	mu      sync.Mutex
	stopped bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames:   make(chan *frame.Frame, 64),
		width:    1280,
		height:   720,
		displays: 1,
		primary:  "display-0",
	}
}

func (s *fakeStream) Frames() <-chan *frame.Frame { return s.frames }
func (s *fakeStream) DisplayCount() int           { return s.displays }
func (s *fakeStream) Width() int                  { return s.width }
func (s *fakeStream) Height() int                 { return s.height }
func (s *fakeStream) Primary() string             { return s.primary }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeSource struct {
	mu          sync.Mutex
	events      chan SystemEvent
	acquireErrs []error
	streams     []*fakeStream
	acquired    int
	acquireGate chan struct{} // when set, Acquire blocks until it closes
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan SystemEvent, 16)}
}

func (s *fakeSource) Acquire(ctx context.Context) (CaptureStream, error) {
	s.mu.Lock()
	s.acquired++
	var err error
	if len(s.acquireErrs) > 0 {
		err = s.acquireErrs[0]
		s.acquireErrs = s.acquireErrs[1:]
	}
	gate := s.acquireGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	stream := newFakeStream()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, nil
}

func (s *fakeSource) Events() <-chan SystemEvent { return s.events }

func (s *fakeSource) acquireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

func (s *fakeSource) lastStream() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// ---- fake encoder session ----

type fakeSession struct {
	mu          sync.Mutex
	initialized bool
	frames      int
	initErr     error
	chunkSize   int64
	duration    float64
	sessions    int
}

func newFakeSession() *fakeSession {
	return &fakeSession{chunkSize: 1_000_000, duration: 15}
}

func (s *fakeSession) Initialize(settings encoder.Settings, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	s.initialized = true
	s.frames = 0
	s.sessions++
	return nil
}

func (s *fakeSession) Compress(f *frame.Frame, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return encoder.ErrNotInitialized
	}
	s.frames++
	return nil
}

func (s *fakeSession) FinalizeChunk() (*encoder.CompressedChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, encoder.ErrNotInitialized
	}
	s.initialized = false
	return &encoder.CompressedChunk{
		FileSize:   s.chunkSize,
		Duration:   s.duration,
		FrameCount: s.frames,
		CreatedAt:  time.Now(),
	}, nil
}

func (s *fakeSession) IsReadyForData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *fakeSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.frames = 0
}

func (s *fakeSession) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// ---- fake chunk store ----

type fakeStore struct {
	mu      sync.Mutex
	nextId  int64
	chunks  map[int64]*entities.RecordingChunk
	batches map[int64]*entities.AnalysisBatch
	joins   map[int64][]int64
	failed  []int64
}

var _ repository.ChunkStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		chunks:  make(map[int64]*entities.RecordingChunk),
		batches: make(map[int64]*entities.AnalysisBatch),
		joins:   make(map[int64][]int64),
	}
}

func (s *fakeStore) RegisterChunk(ctx context.Context, startTs int64, filePath string) (*entities.RecordingChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextId++
	chunk := &entities.RecordingChunk{
		ID:       s.nextId,
		StartTs:  startTs,
		EndTs:    startTs,
		FilePath: filePath,
		Status:   constant.ChunkStatusRecording,
	}
	s.chunks[chunk.ID] = chunk
	return chunk, nil
}

func (s *fakeStore) MarkChunkCompleted(ctx context.Context, id int64, endTs int64, fileSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunks[id]
	if !ok || chunk.Status != constant.ChunkStatusRecording {
		return fmt.Errorf("chunk %d not in recording state", id)
	}
	chunk.Status = constant.ChunkStatusCompleted
	chunk.EndTs = endTs
	chunk.FileSize = fileSize
	return nil
}

func (s *fakeStore) MarkChunkFailed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	delete(s.chunks, id)
	s.failed = append(s.failed, id)
	return nil
}

func (s *fakeStore) GetChunkById(ctx context.Context, id int64) (*entities.RecordingChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *chunk
	return &c, nil
}

func (s *fakeStore) GetChunksByTimeRange(ctx context.Context, startTs, endTs int64) ([]*entities.RecordingChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.RecordingChunk
	for _, chunk := range s.chunks {
		if chunk.StartTs < endTs && chunk.EndTs >= startTs && !chunk.Deleted {
			c := *chunk
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeStore) FetchUnprocessedChunks(ctx context.Context) ([]*entities.RecordingChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assigned := make(map[int64]bool)
	for _, ids := range s.joins {
		for _, id := range ids {
			assigned[id] = true
		}
	}
	var out []*entities.RecordingChunk
	for _, chunk := range s.chunks {
		if chunk.Status == constant.ChunkStatusCompleted && !chunk.Deleted && !assigned[chunk.ID] {
			c := *chunk
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveBatch(ctx context.Context, batch *entities.AnalysisBatch, chunkIds []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIds {
		chunk, ok := s.chunks[id]
		if !ok || chunk.Status != constant.ChunkStatusCompleted {
			return fmt.Errorf("chunk %d unknown or incomplete", id)
		}
	}
	s.nextId++
	batch.ID = s.nextId
	s.batches[batch.ID] = batch
	s.joins[batch.ID] = append([]int64(nil), chunkIds...)
	return nil
}

func (s *fakeStore) UpdateBatchStatus(ctx context.Context, batchId int64, status constant.BatchStatus, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchId]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	batch.Status = status
	batch.Reason = reason
	return nil
}

func (s *fakeStore) GetBatchById(ctx context.Context, id int64) (*entities.AnalysisBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	b := *batch
	return &b, nil
}

func (s *fakeStore) GetBatchesByTimeRange(ctx context.Context, startTs, endTs int64) ([]*entities.AnalysisBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.AnalysisBatch
	for _, batch := range s.batches {
		if batch.StartTs < endTs && batch.EndTs >= startTs {
			b := *batch
			out = append(out, &b)
		}
	}
	return out, nil
}

func (s *fakeStore) GetBatchChunks(ctx context.Context, batchId int64) ([]*entities.RecordingChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.RecordingChunk
	for _, id := range s.joins[batchId] {
		if chunk, ok := s.chunks[id]; ok {
			c := *chunk
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendLLMCall(ctx context.Context, call *entities.LLMCall) error {
	return nil
}

func (s *fakeStore) GetLLMCallsByBatchId(ctx context.Context, batchId int64) ([]*entities.LLMCall, error) {
	return nil, nil
}

func (s *fakeStore) SoftDeleteChunksByRange(ctx context.Context, startTs, endTs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	now := time.Now()
	for _, chunk := range s.chunks {
		if chunk.StartTs >= startTs && chunk.StartTs < endTs && !chunk.Deleted {
			chunk.Deleted = true
			chunk.DeletedAt = &now
			affected++
		}
	}
	return affected, nil
}

func (s *fakeStore) SoftDeleteChunksByBatch(ctx context.Context, batchId int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	now := time.Now()
	for _, id := range s.joins[batchId] {
		if chunk, ok := s.chunks[id]; ok && !chunk.Deleted {
			chunk.Deleted = true
			chunk.DeletedAt = &now
			affected++
		}
	}
	return affected, nil
}

func (s *fakeStore) HardDeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) Compact(ctx context.Context) error { return nil }

func (s *fakeStore) StorageUsage(ctx context.Context) (*repository.StorageUsage, error) {
	return &repository.StorageUsage{}, nil
}

func (s *fakeStore) Durable() bool { return true }
func (s *fakeStore) Close() error  { return nil }

func (s *fakeStore) chunkById(id int64) *entities.RecordingChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return nil
	}
	c := *chunk
	return &c
}

func (s *fakeStore) completedChunks() []*entities.RecordingChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.RecordingChunk
	for _, chunk := range s.chunks {
		if chunk.Status == constant.ChunkStatusCompleted {
			c := *chunk
			out = append(out, &c)
		}
	}
	return out
}

func (s *fakeStore) failedIds() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.failed...)
}

// ---- helpers ----

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
