package repository

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Compact reclaims space in the database file. Run on a schedule, not on the
// hot path: VACUUM rewrites the whole file.
func (s *store) Compact(ctx context.Context) error {
	return s.do(ctx, func(db *gorm.DB) error {
		if err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
			log.Warn().Err(err).Msg("wal checkpoint failed")
		}
		return db.Exec("VACUUM").Error
	})
}

// StorageUsage reports database bytes (main file plus WAL sidecars) and
// total recording artifact bytes. Individual file-stat errors are absorbed.
func (s *store) StorageUsage(ctx context.Context) (*StorageUsage, error) {
	usage := &StorageUsage{}

	if s.durable {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			info, err := os.Stat(s.dbPath + suffix)
			if err != nil {
				continue
			}
			usage.DatabaseBytes += info.Size()
		}
	}

	err := filepath.Walk(s.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable recordings entry")
			return nil
		}
		if !info.IsDir() {
			usage.RecordingBytes += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return usage, nil
}
