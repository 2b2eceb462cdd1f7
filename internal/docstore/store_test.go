package docstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/strata/internal/storage"
	"github.com/kalambet/strata/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return New()
	})
}

func TestPutRejectsStaleRevision(t *testing.T) {
	c := newCollection()

	rev, err := c.put("k", []byte(`1`), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	_, err = c.put("k", []byte(`2`), 0)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = c.put("k", []byte(`2`), rev)
	require.NoError(t, err)

	body, rev, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, "2", string(body))
	assert.Equal(t, uint64(2), rev)
}

// Concurrent commits to one path without any external lock still leave
// exactly one current version and contiguous intervals.
func TestConcurrentCommitsKeepSingleCurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo, err := s.StoreRepository(ctx, "file:///docs", "docs")
	require.NoError(t, err)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := storagetest.Version(repo.ID, "a.md", "c"+string(rune('A'+i)), "h"+string(rune('A'+i)), base.Add(time.Duration(i)*time.Minute))
			// Out-of-order arrivals are rejected as stale, which is fine here.
			_, _ = s.CommitFileVersion(ctx, v)
		}()
	}
	wg.Wait()

	history, err := s.GetFileHistory(ctx, repo.ID, "a.md", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)

	current := 0
	for i, v := range history {
		if v.IsCurrent() {
			current++
		}
		if i > 0 {
			newer := history[i-1]
			require.NotNil(t, v.ValidUntil)
			assert.True(t, v.ValidUntil.Equal(newer.ValidFrom), "intervals must be contiguous")
		}
	}
	assert.Equal(t, 1, current)
}

func TestSnapshotPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.json")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	repo, err := s.StoreRepository(ctx, "file:///docs", "docs")
	require.NoError(t, err)
	res, err := s.CommitFileVersion(ctx, storagetest.Version(repo.ID, "a.md", "c1", "h1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.StoreChunks(ctx, res.ID, []storage.ContentChunk{{Ordinal: 0, Content: "hello"}}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	cur, err := reopened.GetCurrentFile(ctx, repo.ID, "a.md")
	require.NoError(t, err)
	assert.Equal(t, res.ID, cur.ID)
	assert.Equal(t, 1, cur.ChunkCount)

	chunks, err := reopened.GetChunks(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].Content)
}
