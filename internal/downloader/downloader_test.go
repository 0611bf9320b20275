package downloader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/notifier"
	"github.com/italolelis/download_manager/internal/storage/jsonfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader yields at most chunk bytes per Read and then err (io.EOF when nil).
type chunkReader struct {
	data  []byte
	chunk int
	err   error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}

		return 0, io.EOF
	}

	n := min(r.chunk, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]

	return n, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func respond(req *http.Request, status int, contentLength int64, body io.Reader) *http.Response {
	return &http.Response{
		StatusCode:    status,
		ContentLength: contentLength,
		Header:        make(http.Header),
		Body:          io.NopCloser(body),
		Request:       req,
	}
}

type recorder struct {
	mu      sync.Mutex
	records []download.Record
}

func (r *recorder) Notify(_ context.Context, record download.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, record)

	return nil
}

func (r *recorder) all() []download.Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]download.Record(nil), r.records...)
}

type fixture struct {
	store *jsonfile.Store
	dir   string
	path  string
	rec   download.Record
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	store := jsonfile.New(filepath.Join(dir, "downloads.json"))
	path := filepath.Join(dir, "out", "a.bin")

	rec := download.Record{URL: "https://host/a.bin", Path: path, Status: download.StatusInProgress}

	_, err := store.Create(rec)
	require.NoError(t, err)

	return &fixture{store: store, dir: dir, path: path, rec: rec}
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("x"), n)
}

func TestDownload_CompletesAndEmitsThrottledProgress(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	data := payload(2000)

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Empty(t, req.Header.Get("Range"))

		return respond(req, http.StatusOK, 2000, &chunkReader{data: data, chunk: 500}), nil
	})}

	d := New(f.store, rec, WithHTTPClient(client))

	require.NoError(t, d.Download(context.Background(), f.rec))

	got := rec.all()
	require.Len(t, got, 4)

	for i, want := range []float64{25, 50, 75} {
		assert.Equal(t, download.StatusInProgress, got[i].Status)
		assert.InDelta(t, want, got[i].Progress, 0.0001)
	}

	assert.Equal(t, download.StatusCompleted, got[3].Status)
	assert.Equal(t, 100.0, got[3].Progress)

	_, found, err := f.store.FindByPath(f.path)
	require.NoError(t, err)
	assert.False(t, found)

	content, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	assert.NoFileExists(t, d.PartialPath(f.path))
}

func TestDownload_ResumesWithRange(t *testing.T) {
	f := newFixture(t)
	d := New(f.store, &recorder{})

	full := append(payload(40), bytes.Repeat([]byte("y"), 60)...)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.path), 0o755))
	require.NoError(t, os.WriteFile(d.PartialPath(f.path), full[:40], 0o644))

	d.client = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "bytes=40-", req.Header.Get("Range"))

		return respond(req, http.StatusPartialContent, 60, &chunkReader{data: full[40:], chunk: 20}), nil
	})}

	require.NoError(t, d.Download(context.Background(), f.rec))

	content, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, full, content)
}

func TestDownload_RangeIgnoredIsHTTPError(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, 100, &chunkReader{data: payload(100), chunk: 50}), nil
	})}

	d := New(f.store, rec, WithHTTPClient(client))

	require.NoError(t, os.MkdirAll(filepath.Dir(f.path), 0o755))
	require.NoError(t, os.WriteFile(d.PartialPath(f.path), payload(40), 0o644))

	err := d.Download(context.Background(), f.rec)

	var httpErr *download.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusOK, httpErr.StatusCode)
	assert.Contains(t, httpErr.Error(), "partial")

	info, err := os.Stat(d.PartialPath(f.path))
	require.NoError(t, err)
	assert.EqualValues(t, 40, info.Size(), "partial file must not be restarted")
	assert.Empty(t, rec.all())
}

func TestDownload_NonSuccessStatusIsHTTPError(t *testing.T) {
	f := newFixture(t)

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusNotFound, 0, http.NoBody), nil
	})}

	err := New(f.store, nil, WithHTTPClient(client)).Download(context.Background(), f.rec)

	var httpErr *download.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestDownload_StopsWhenPaused(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	pauseOnFirst := notifier.Func(func(ctx context.Context, r download.Record) error {
		if err := rec.Notify(ctx, r); err != nil {
			return err
		}

		return f.store.Update(r.WithStatus(download.StatusPaused))
	})

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, 2000, &chunkReader{data: payload(2000), chunk: 500}), nil
	})}

	d := New(f.store, pauseOnFirst, WithHTTPClient(client))

	require.NoError(t, d.Download(context.Background(), f.rec))

	require.Len(t, rec.all(), 1)

	got, found, err := f.store.FindByPath(f.path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, download.StatusPaused, got.Status)
	assert.InDelta(t, 25, got.Progress, 0.0001)

	info, err := os.Stat(d.PartialPath(f.path))
	require.NoError(t, err)
	assert.EqualValues(t, 1000, info.Size())
	assert.NoFileExists(t, f.path)
}

func TestDownload_StopsWhenRecordRemoved(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}

	cancelOnFirst := notifier.Func(func(ctx context.Context, r download.Record) error {
		_ = rec.Notify(ctx, r)

		return f.store.Delete(r.Path)
	})

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, 2000, &chunkReader{data: payload(2000), chunk: 500}), nil
	})}

	d := New(f.store, cancelOnFirst, WithHTTPClient(client))

	require.NoError(t, d.Download(context.Background(), f.rec))
	assert.Len(t, rec.all(), 1)
	assert.NoFileExists(t, f.path)
}

func TestDownload_NotInProgressBeforeStreaming(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Update(f.rec.WithStatus(download.StatusPaused)))

	rec := &recorder{}

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, 10, &chunkReader{data: payload(10), chunk: 10}), nil
	})}

	require.NoError(t, New(f.store, rec, WithHTTPClient(client)).Download(context.Background(), f.rec))
	assert.Empty(t, rec.all())

	got, _, err := f.store.FindByPath(f.path)
	require.NoError(t, err)
	assert.Equal(t, download.StatusPaused, got.Status)
}

func TestDownload_StreamErrorDropsRecordAndPartial(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, 2000, &chunkReader{data: payload(500), chunk: 500, err: boom}), nil
	})}

	d := New(f.store, &recorder{}, WithHTTPClient(client))

	err := d.Download(context.Background(), f.rec)

	var httpErr *download.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.ErrorIs(t, err, boom)

	_, found, err := f.store.FindByPath(f.path)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoFileExists(t, d.PartialPath(f.path))
}

func TestDownload_TruncatedBodyIsHTTPError(t *testing.T) {
	f := newFixture(t)

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, 2000, &chunkReader{data: payload(1000), chunk: 500}), nil
	})}

	d := New(f.store, &recorder{}, WithHTTPClient(client))

	err := d.Download(context.Background(), f.rec)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NoFileExists(t, d.PartialPath(f.path))
}

func TestDownload_UnknownLengthCompletesAtEOF(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	data := payload(300)

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, -1, &chunkReader{data: data, chunk: 100}), nil
	})}

	d := New(f.store, rec, WithHTTPClient(client))

	require.NoError(t, d.Download(context.Background(), f.rec))

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, download.StatusCompleted, got[0].Status)

	content, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestDownload_CancelledContextIsNotAnError(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, req.Context().Err()
	})}

	require.NoError(t, New(f.store, nil, WithHTTPClient(client)).Download(ctx, f.rec))

	_, found, err := f.store.FindByPath(f.path)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPartialPath(t *testing.T) {
	assert.Equal(t, "/tmp/a.bin.download", New(nil, nil).PartialPath("/tmp/a.bin"))
	assert.Equal(t, "/tmp/a.bin.part", New(nil, nil, WithPartialSuffix(".part")).PartialPath("/tmp/a.bin"))
}
