package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"capture-worker/config"
	"capture-worker/constant"
	"capture-worker/entities"
)

// ErrStoreClosed is returned for operations issued after Close.
var ErrStoreClosed = errors.New("repository: store closed")

// ChunkStore persists chunk, batch, and audit records. All operations are
// executed one at a time on a single writer goroutine; callers block until
// their request has run, but never against each other's locks.
type ChunkStore interface {
	RegisterChunk(ctx context.Context, startTs int64, filePath string) (*entities.RecordingChunk, error)
	MarkChunkCompleted(ctx context.Context, id int64, endTs int64, fileSize int64) error
	MarkChunkFailed(ctx context.Context, id int64) error
	GetChunkById(ctx context.Context, id int64) (*entities.RecordingChunk, error)
	GetChunksByTimeRange(ctx context.Context, startTs, endTs int64) ([]*entities.RecordingChunk, error)
	FetchUnprocessedChunks(ctx context.Context) ([]*entities.RecordingChunk, error)

	SaveBatch(ctx context.Context, batch *entities.AnalysisBatch, chunkIds []int64) error
	UpdateBatchStatus(ctx context.Context, batchId int64, status constant.BatchStatus, reason *string) error
	GetBatchById(ctx context.Context, id int64) (*entities.AnalysisBatch, error)
	GetBatchesByTimeRange(ctx context.Context, startTs, endTs int64) ([]*entities.AnalysisBatch, error)
	GetBatchChunks(ctx context.Context, batchId int64) ([]*entities.RecordingChunk, error)

	AppendLLMCall(ctx context.Context, call *entities.LLMCall) error
	GetLLMCallsByBatchId(ctx context.Context, batchId int64) ([]*entities.LLMCall, error)

	SoftDeleteChunksByRange(ctx context.Context, startTs, endTs int64) (int64, error)
	SoftDeleteChunksByBatch(ctx context.Context, batchId int64) (int64, error)
	HardDeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)

	Compact(ctx context.Context) error
	StorageUsage(ctx context.Context) (*StorageUsage, error)

	Durable() bool
	Close() error
}

type StorageUsage struct {
	DatabaseBytes  int64 `json:"database_bytes"`
	RecordingBytes int64 `json:"recording_bytes"`
}

type request struct {
	fn    func(db *gorm.DB) error
	reply chan error
}

type store struct {
	db       *gorm.DB
	dbPath   string
	rootDir  string
	durable  bool
	requests chan request
	done     chan struct{}
}

// NewStore opens the file-backed sqlite database, retrying with exponential
// backoff. If the file-backed open ultimately fails it falls back to an
// in-memory database so the rest of the app stays functional, and logs a
// single warning about the durability loss.
func NewStore(ctx context.Context, cfg *config.Config) (ChunkStore, error) {
	durable := true
	db, err := openWithRetry(ctx, cfg.Database.Path)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("path", cfg.Database.Path).
			Msg("database unavailable, falling back to in-memory store; recordings metadata will not survive restart")
		durable = false
		db, err = open("file::memory:?cache=shared")
		if err != nil {
			return nil, fmt.Errorf("repository: in-memory fallback: %w", err)
		}
	}

	if err := db.AutoMigrate(
		&entities.RecordingChunk{},
		&entities.AnalysisBatch{},
		&entities.BatchChunk{},
		&entities.LLMCall{},
	); err != nil {
		return nil, fmt.Errorf("repository: migrate: %w", err)
	}

	s := &store{
		db:       db,
		dbPath:   cfg.Database.Path,
		rootDir:  cfg.Capture.RecordingsRoot,
		durable:  durable,
		requests: make(chan request, 64),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func openWithRetry(ctx context.Context, path string) (*gorm.DB, error) {
	operation := func() (*gorm.DB, error) {
		db, err := open(fileDSN(path))
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to open database. Retrying...")
			return nil, err
		}
		return db, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 5 * time.Second
	maxRetries := uint(5)
	return backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(maxRetries))
}

func fileDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

func open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// one connection: the writer goroutine already serializes access, and a
	// second connection would defeat the in-memory fallback
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// run is the serialized writer loop. Every store operation, read or write,
// executes here one at a time.
func (s *store) run() {
	defer close(s.done)
	for req := range s.requests {
		req.reply <- req.fn(s.db)
	}
}

// do submits fn to the writer loop and waits for it to finish. The reply
// channel is buffered so an abandoned wait never blocks the loop.
func (s *store) do(ctx context.Context, fn func(db *gorm.DB) error) error {
	req := request{fn: fn, reply: make(chan error, 1)}

	select {
	case s.requests <- req:
	case <-s.done:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *store) Durable() bool {
	return s.durable
}

// Close stops the writer loop. Callers must have stopped issuing requests.
func (s *store) Close() error {
	close(s.requests)
	<-s.done
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
