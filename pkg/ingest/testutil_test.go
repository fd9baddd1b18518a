package ingest

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agency/models"
)

// newTestDB opens a throwaway sqlite database in the test's temp dir with
// the ingest schema applied.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Upload{}, &models.Chunk{}, &models.Submission{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// newTestStack builds a chunk store, registry and submission store over one
// test database.
func newTestStack(t *testing.T) (*ChunkStore, *Registry, *SubmissionStore) {
	t.Helper()
	db := newTestDB(t)
	store, err := NewChunkStore(db, filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatalf("chunk store: %v", err)
	}
	return store, NewRegistry(db), NewSubmissionStore(db)
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
