package repo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartextract/internal/domain"
	"chartextract/internal/infra"
)

func TestOpenSQLite(t *testing.T) {
	cfg := &infra.Config{StoreDriver: infra.StoreDriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "jobs.db")}
	store, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	job := &domain.Job{OwnerID: "alice", ContentHash: "h", SourceRef: "originals/a.png"}
	require.NoError(t, store.Create(context.Background(), job))
	claimed, err := store.TryClaimNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), &infra.Config{StoreDriver: "mongo"}, zerolog.Nop())
	assert.Error(t, err)
}
