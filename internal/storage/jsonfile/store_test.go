package jsonfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ storage.DownloadRepository = (*Store)(nil)

func newStore(t *testing.T) *Store {
	t.Helper()

	return New(filepath.Join(t.TempDir(), "nested", "dir", "downloads.json"))
}

func record(path string, status download.Status, progress float64) download.Record {
	return download.Record{
		URL:      "https://example.com" + path,
		Path:     path,
		Progress: progress,
		Status:   status,
	}
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Load())

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLoad_MalformedContentKeepsState(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(record("/tmp/a.bin", download.StatusIdle, 0))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	err = s.Load()

	var storeErr *download.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "load", storeErr.Op)

	list, err := s.List()
	require.NoError(t, err)
	assert.Len(t, list, 1, "in-memory state must survive a failed load")
}

func TestRoundTrip_FreshInstanceSeesSameRecords(t *testing.T) {
	s := newStore(t)

	want := []download.Record{
		record("/tmp/a.bin", download.StatusIdle, 0),
		record("/tmp/b.bin", download.StatusInProgress, 12.5),
		record("/tmp/c.bin", download.StatusPaused, 99),
	}

	for _, r := range want {
		_, err := s.Create(r)
		require.NoError(t, err)
	}

	reloaded, err := Open(s.Path())
	require.NoError(t, err)

	got, err := reloaded.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, want, got)
}

func TestPersistedFormat_IsJSONArray(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(record("/tmp/a.bin", download.StatusInProgress, 50))
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"url":"https://example.com/tmp/a.bin","path":"/tmp/a.bin","progress":50,"status":"inProgress"}]`, string(data))

	require.NoError(t, s.Delete("/tmp/a.bin"))

	data, err = os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestCreate_DuplicatePathFails(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(record("/tmp/a.bin", download.StatusIdle, 0))
	require.NoError(t, err)

	_, err = s.Create(record("/tmp/a.bin", download.StatusPaused, 10))

	var storeErr *download.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.ErrorIs(t, err, download.ErrAlreadyExists)

	got, found, err := s.FindByPath("/tmp/a.bin")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, download.StatusIdle, got.Status)
}

func TestUpdate(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(record("/tmp/a.bin", download.StatusIdle, 0))
	require.NoError(t, err)

	require.NoError(t, s.Update(record("/tmp/a.bin", download.StatusInProgress, 30)))

	reloaded, err := Open(s.Path())
	require.NoError(t, err)

	got, found, err := reloaded.FindByPath("/tmp/a.bin")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, download.StatusInProgress, got.Status)
	assert.Equal(t, 30.0, got.Progress)
}

func TestUpdate_UnknownPathIsNoop(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Update(record("/tmp/missing.bin", download.StatusPaused, 10)))

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateNoPersist_SkipsDisk(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(record("/tmp/a.bin", download.StatusInProgress, 0))
	require.NoError(t, err)

	require.NoError(t, s.UpdateNoPersist(record("/tmp/a.bin", download.StatusInProgress, 42)))

	got, _, err := s.FindByPath("/tmp/a.bin")
	require.NoError(t, err)
	assert.Equal(t, 42.0, got.Progress)

	reloaded, err := Open(s.Path())
	require.NoError(t, err)

	onDisk, _, err := reloaded.FindByPath("/tmp/a.bin")
	require.NoError(t, err)
	assert.Equal(t, 0.0, onDisk.Progress)
}

func TestDelete(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(record("/tmp/a.bin", download.StatusIdle, 0))
	require.NoError(t, err)

	require.NoError(t, s.Delete("/tmp/a.bin"))
	require.NoError(t, s.Delete("/tmp/a.bin"), "deleting an absent path is a no-op")

	_, found, err := s.FindByPath("/tmp/a.bin")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestList_ReturnsSnapshot(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(record("/tmp/a.bin", download.StatusIdle, 0))
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)

	list[0].Status = download.StatusCompleted

	got, _, err := s.FindByPath("/tmp/a.bin")
	require.NoError(t, err)
	assert.Equal(t, download.StatusIdle, got.Status)
}

func TestFailedWrite_LeavesMemoryUnchanged(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// The parent of the store path is a regular file, so every write fails.
	s := New(filepath.Join(blocker, "downloads.json"))

	_, err := s.Create(record("/tmp/a.bin", download.StatusIdle, 0))

	var storeErr *download.StoreError
	require.True(t, errors.As(err, &storeErr), "expected StoreError, got %T", err)

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConcurrentMutations_AreSerialized(t *testing.T) {
	s := newStore(t)

	const n = 20

	var wg sync.WaitGroup

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			path := fmt.Sprintf("/tmp/file-%d.bin", i)
			_, err := s.Create(record(path, download.StatusIdle, 0))
			assert.NoError(t, err)
			assert.NoError(t, s.Update(record(path, download.StatusInProgress, float64(i))))
		}()
	}

	wg.Wait()

	reloaded, err := Open(s.Path())
	require.NoError(t, err)

	list, err := reloaded.List()
	require.NoError(t, err)
	require.Len(t, list, n)

	for _, r := range list {
		assert.Equal(t, download.StatusInProgress, r.Status)
	}
}
