package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"capture-worker/config"
	"capture-worker/constant"
	"capture-worker/entities"
)

func newTestStore(t *testing.T) ChunkStore {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Database: config.Database{Path: filepath.Join(dir, "test.db")},
		Capture:  config.Capture{RecordingsRoot: filepath.Join(dir, "recordings")},
	}
	store, err := NewStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCompletedChunk(t *testing.T, store ChunkStore, startTs int64) *entities.RecordingChunk {
	t.Helper()
	ctx := context.Background()
	chunk, err := store.RegisterChunk(ctx, startTs, "")
	if err != nil {
		t.Fatalf("RegisterChunk: %v", err)
	}
	if err := store.MarkChunkCompleted(ctx, chunk.ID, startTs+15, 1000); err != nil {
		t.Fatalf("MarkChunkCompleted: %v", err)
	}
	return chunk
}

func TestRegisterThenComplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk, err := store.RegisterChunk(ctx, 1000, "a.mp4")
	if err != nil {
		t.Fatalf("RegisterChunk: %v", err)
	}
	if chunk.Status != constant.ChunkStatusRecording {
		t.Fatalf("new chunk status = %s, want recording", chunk.Status)
	}
	if chunk.EndTs != chunk.StartTs {
		t.Fatalf("new chunk end_ts = %d, want start_ts %d", chunk.EndTs, chunk.StartTs)
	}

	if err := store.MarkChunkCompleted(ctx, chunk.ID, 1015, 4096); err != nil {
		t.Fatalf("MarkChunkCompleted: %v", err)
	}
	got, err := store.GetChunkById(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("GetChunkById: %v", err)
	}
	if got.Status != constant.ChunkStatusCompleted || got.EndTs != 1015 || got.FileSize != 4096 {
		t.Fatalf("completed chunk = %s/%d/%d, want COMPLETED/1015/4096", got.Status, got.EndTs, got.FileSize)
	}

	// a second completion has nothing left in recording state to claim
	if err := store.MarkChunkCompleted(ctx, chunk.ID, 1020, 8192); err == nil {
		t.Fatal("double completion succeeded")
	}
}

func TestMarkChunkFailedRemovesRowAndFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := filepath.Join(t.TempDir(), "broken.mp4")
	if err := os.WriteFile(file, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	chunk, err := store.RegisterChunk(ctx, 1000, file)
	if err != nil {
		t.Fatalf("RegisterChunk: %v", err)
	}
	if err := store.MarkChunkFailed(ctx, chunk.ID); err != nil {
		t.Fatalf("MarkChunkFailed: %v", err)
	}

	if _, err := store.GetChunkById(ctx, chunk.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("failed chunk still readable, err = %v", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatalf("artifact of failed chunk still on disk, err = %v", err)
	}
}

func TestSaveBatchIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c1 := mustCompletedChunk(t, store, 1000)
	c2 := mustCompletedChunk(t, store, 1015)

	batch := &entities.AnalysisBatch{
		BatchUid: uuid.New(),
		StartTs:  1000,
		EndTs:    1030,
		Status:   constant.BatchStatusPending,
	}
	err := store.SaveBatch(ctx, batch, []int64{c1.ID, 999_999})
	if err == nil {
		t.Fatal("batch referencing an unknown chunk was saved")
	}

	// nothing from the failed save may remain
	batches, err := store.GetBatchesByTimeRange(ctx, 0, 10_000)
	if err != nil {
		t.Fatalf("GetBatchesByTimeRange: %v", err)
	}
	if len(batches) != 0 {
		t.Fatalf("%d batch rows survived a failed save", len(batches))
	}
	unprocessed, err := store.FetchUnprocessedChunks(ctx)
	if err != nil {
		t.Fatalf("FetchUnprocessedChunks: %v", err)
	}
	if len(unprocessed) != 2 {
		t.Fatalf("got %d unprocessed chunks after failed save, want 2", len(unprocessed))
	}

	batch.ID = 0
	if err := store.SaveBatch(ctx, batch, []int64{c1.ID, c2.ID}); err != nil {
		t.Fatalf("valid SaveBatch: %v", err)
	}
	unprocessed, err = store.FetchUnprocessedChunks(ctx)
	if err != nil {
		t.Fatalf("FetchUnprocessedChunks: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Fatalf("%d chunks still unprocessed after batching", len(unprocessed))
	}

	members, err := store.GetBatchChunks(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatchChunks: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("batch has %d member chunks, want 2", len(members))
	}
}

func TestSaveBatchRejectsIncompleteChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recording, err := store.RegisterChunk(ctx, 1000, "")
	if err != nil {
		t.Fatalf("RegisterChunk: %v", err)
	}
	batch := &entities.AnalysisBatch{BatchUid: uuid.New(), StartTs: 1000, EndTs: 1015, Status: constant.BatchStatusPending}
	if err := store.SaveBatch(ctx, batch, []int64{recording.ID}); err == nil {
		t.Fatal("batch over a still-recording chunk was saved")
	}
	if err := store.SaveBatch(ctx, batch, nil); err == nil {
		t.Fatal("empty batch was saved")
	}
}

func TestFetchUnprocessedFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RegisterChunk(ctx, 1000, ""); err != nil { // still recording
		t.Fatal(err)
	}
	plain := mustCompletedChunk(t, store, 2000)
	mustCompletedChunk(t, store, 3000) // soft-deleted below
	batched := mustCompletedChunk(t, store, 4000)

	if _, err := store.SoftDeleteChunksByRange(ctx, 3000, 3001); err != nil {
		t.Fatalf("SoftDeleteChunksByRange: %v", err)
	}
	batch := &entities.AnalysisBatch{BatchUid: uuid.New(), StartTs: 4000, EndTs: 4015, Status: constant.BatchStatusPending}
	if err := store.SaveBatch(ctx, batch, []int64{batched.ID}); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	unprocessed, err := store.FetchUnprocessedChunks(ctx)
	if err != nil {
		t.Fatalf("FetchUnprocessedChunks: %v", err)
	}
	if len(unprocessed) != 1 || unprocessed[0].ID != plain.ID {
		t.Fatalf("unprocessed = %+v, want only chunk %d", unprocessed, plain.ID)
	}
}

func TestSoftDeleteHidesFromTimeRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := mustCompletedChunk(t, store, 1000)

	visible, err := store.GetChunksByTimeRange(ctx, 900, 1100)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 {
		t.Fatalf("got %d chunks before delete, want 1", len(visible))
	}

	affected, err := store.SoftDeleteChunksByRange(ctx, 0, 2000)
	if err != nil {
		t.Fatalf("SoftDeleteChunksByRange: %v", err)
	}
	if affected != 1 {
		t.Fatalf("soft delete affected %d rows, want 1", affected)
	}

	visible, err = store.GetChunksByTimeRange(ctx, 900, 1100)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 0 {
		t.Fatalf("soft-deleted chunk still visible in time range")
	}

	// the row itself survives until hard delete
	if _, err := store.GetChunkById(ctx, chunk.ID); err != nil {
		t.Fatalf("soft-deleted chunk row gone: %v", err)
	}
}

func TestHardDeleteSparesBatchedChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	loose := mustCompletedChunk(t, store, 1000)
	member := mustCompletedChunk(t, store, 2000)
	batch := &entities.AnalysisBatch{BatchUid: uuid.New(), StartTs: 2000, EndTs: 2015, Status: constant.BatchStatusPending}
	if err := store.SaveBatch(ctx, batch, []int64{member.ID}); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	if _, err := store.SoftDeleteChunksByRange(ctx, 0, 3000); err != nil {
		t.Fatalf("SoftDeleteChunksByRange: %v", err)
	}

	deleted, err := store.HardDeleteExpired(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("HardDeleteExpired: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("hard delete purged %d chunks, want only the loose one", deleted)
	}
	if _, err := store.GetChunkById(ctx, loose.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("loose chunk survived hard delete, err = %v", err)
	}
	if _, err := store.GetChunkById(ctx, member.ID); err != nil {
		t.Fatalf("batched chunk purged despite live batch: %v", err)
	}
}

func TestHardDeleteHonorsCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCompletedChunk(t, store, 1000)
	if _, err := store.SoftDeleteChunksByRange(ctx, 0, 2000); err != nil {
		t.Fatal(err)
	}

	// deleted_at is now; a cutoff in the past keeps the row
	deleted, err := store.HardDeleteExpired(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("HardDeleteExpired: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("hard delete purged %d chunks inside the grace window", deleted)
	}
}

func TestUpdateBatchStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := mustCompletedChunk(t, store, 1000)
	batch := &entities.AnalysisBatch{BatchUid: uuid.New(), StartTs: 1000, EndTs: 1015, Status: constant.BatchStatusPending}
	if err := store.SaveBatch(ctx, batch, []int64{chunk.ID}); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	reason := "model refused the transcript"
	if err := store.UpdateBatchStatus(ctx, batch.ID, constant.BatchStatusFailed, &reason); err != nil {
		t.Fatalf("UpdateBatchStatus: %v", err)
	}
	got, err := store.GetBatchById(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatchById: %v", err)
	}
	if got.Status != constant.BatchStatusFailed || got.Reason == nil || *got.Reason != reason {
		t.Fatalf("batch after update = %s/%v", got.Status, got.Reason)
	}

	if err := store.UpdateBatchStatus(ctx, 999_999, constant.BatchStatusAnalyzed, nil); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("unknown batch update err = %v, want record not found", err)
	}
}

func TestLLMCallsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunk := mustCompletedChunk(t, store, 1000)
	batch := &entities.AnalysisBatch{BatchUid: uuid.New(), StartTs: 1000, EndTs: 1015, Status: constant.BatchStatusProcessing}
	if err := store.SaveBatch(ctx, batch, []int64{chunk.ID}); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	for i, req := range []string{"first", "second"} {
		call := &entities.LLMCall{BatchID: batch.ID, Request: []byte(req), Response: []byte("ok")}
		if err := store.AppendLLMCall(ctx, call); err != nil {
			t.Fatalf("AppendLLMCall %d: %v", i, err)
		}
	}

	calls, err := store.GetLLMCallsByBatchId(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetLLMCallsByBatchId: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if string(calls[0].Request) != "first" || string(calls[1].Request) != "second" {
		t.Fatalf("calls out of order: %q, %q", calls[0].Request, calls[1].Request)
	}
}

func TestInMemoryFallbackStaysFunctional(t *testing.T) {
	if testing.Short() {
		t.Skip("fallback path waits out the open retries")
	}
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-directory")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		// parent is a regular file, so the sqlite open can never succeed
		Database: config.Database{Path: filepath.Join(blocker, "test.db")},
		Capture:  config.Capture{RecordingsRoot: dir},
	}
	store, err := NewStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewStore with fallback: %v", err)
	}
	defer store.Close()

	if store.Durable() {
		t.Fatal("store claims durability on the in-memory fallback")
	}
	chunk, err := store.RegisterChunk(context.Background(), 1000, "")
	if err != nil {
		t.Fatalf("RegisterChunk on fallback store: %v", err)
	}
	if err := store.MarkChunkCompleted(context.Background(), chunk.ID, 1015, 100); err != nil {
		t.Fatalf("MarkChunkCompleted on fallback store: %v", err)
	}
}
