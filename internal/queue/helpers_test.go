package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/trikernel/orchestrator/internal/store"
)

var ctxBG = context.Background()

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(ctxBG, dir, filepath.Join(dir, "tri-agent.db"), store.DefaultRetryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
