// Package downloader streams one resumable HTTP download into a partial file
// and keeps its record in the store up to date.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/downloader/progress"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/notifier"
	"github.com/italolelis/download_manager/internal/storage"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// DefaultPartialSuffix marks files that are still being written.
	DefaultPartialSuffix = ".download"
	// DefaultBufferSize is the read chunk size.
	DefaultBufferSize = 32 * 1024
)

// Downloader runs download tasks. It is safe for concurrent use as long as no
// two tasks target the same path at the same time. Notifications are sent with
// the locker held, so a notifier must not call back into anything that takes it.
type Downloader struct {
	mu         sync.Locker
	repo       storage.DownloadRepository
	notifier   notifier.Notifier
	client     *http.Client
	suffix     string
	threshold  float64
	bufferSize int
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets the client used for source requests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		if c != nil {
			d.client = c
		}
	}
}

// WithPartialSuffix sets the suffix appended to the destination path while the
// download is incomplete.
func WithPartialSuffix(suffix string) Option {
	return func(d *Downloader) {
		if suffix != "" {
			d.suffix = suffix
		}
	}
}

// WithProgressThreshold sets the minimum progress increase between two
// persisted samples.
func WithProgressThreshold(threshold float64) Option {
	return func(d *Downloader) {
		d.threshold = threshold
	}
}

// WithLocker shares the lock held around every read-modify-write of a live
// record, so other writers of the same repository can be ordered against it.
func WithLocker(l sync.Locker) Option {
	return func(d *Downloader) {
		if l != nil {
			d.mu = l
		}
	}
}

// WithBufferSize sets the read chunk size.
func WithBufferSize(size int) Option {
	return func(d *Downloader) {
		if size > 0 {
			d.bufferSize = size
		}
	}
}

func New(repo storage.DownloadRepository, n notifier.Notifier, opts ...Option) *Downloader {
	d := &Downloader{
		mu:         &sync.Mutex{},
		repo:       repo,
		notifier:   n,
		client:     http.DefaultClient,
		suffix:     DefaultPartialSuffix,
		threshold:  progress.DefaultThreshold,
		bufferSize: DefaultBufferSize,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Downloader) store(ctx context.Context) storage.DownloadRepository {
	return storage.Bind(ctx, d.repo)
}

// PartialPath returns where bytes for path are written until completion.
func (d *Downloader) PartialPath(path string) string {
	return path + d.suffix
}

// Download streams record.URL into the partial file for record.Path, starting
// from whatever is already on disk.
//
// It returns nil when the download completed, when the live record stopped
// being InProgress (pause or cancel), or when ctx was cancelled. Any other
// failure is returned; stream failures also drop the record and partial file.
func (d *Downloader) Download(ctx context.Context, record download.Record) error {
	ctx = logctx.With(ctx, "download_path", record.Path)
	logger := logctx.LoggerFromContext(ctx)

	partial := d.PartialPath(record.Path)

	offset, err := partialSize(partial)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, record.URL, nil)
	if err != nil {
		return &download.HTTPError{URL: record.URL, Reason: "failed to build request", Err: err}
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return &download.HTTPError{URL: record.URL, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		return &download.HTTPError{
			URL:        record.URL,
			StatusCode: resp.StatusCode,
			Reason:     "server does not support partial downloads",
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &download.HTTPError{
			URL:        record.URL,
			StatusCode: resp.StatusCode,
			Reason:     "unexpected response status",
		}
	}

	var total int64
	if resp.ContentLength >= 0 {
		total = resp.ContentLength + offset
	}

	if err := os.MkdirAll(filepath.Dir(partial), dirPerm); err != nil {
		return &download.FileError{Op: "mkdir", Path: partial, Err: err}
	}

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return &download.FileError{Op: "open", Path: partial, Err: err}
	}
	defer out.Close()

	streaming, err := d.markStreaming(ctx, record.Path)
	if err != nil {
		return err
	}

	if !streaming {
		logger.DebugContext(ctx, "download stopped before streaming")

		return nil
	}

	if total > 0 {
		logger.InfoContext(ctx, "downloading file",
			"offset", humanize.Bytes(uint64(offset)),
			"file_size", humanize.Bytes(uint64(total)),
		)
	} else {
		logger.InfoContext(ctx, "downloading file of unknown size", "offset", humanize.Bytes(uint64(offset)))
	}

	s := &stream{
		d:        d,
		record:   record,
		out:      out,
		partial:  partial,
		written:  offset,
		total:    total,
		throttle: progress.NewThrottle(d.threshold),
	}

	return s.run(ctx, resp.Body)
}

// markStreaming persists the live record again right before the first byte is
// written. It reports false when the record is gone or no longer InProgress.
func (d *Downloader) markStreaming(ctx context.Context, path string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	live, found, err := d.store(ctx).FindByPath(path)
	if err != nil {
		return false, err
	}

	if !found || live.Status != download.StatusInProgress {
		return false, nil
	}

	return true, d.store(ctx).Update(live)
}

type stream struct {
	d        *Downloader
	record   download.Record
	out      *os.File
	partial  string
	written  int64
	total    int64
	throttle *progress.Throttle
}

// errStop ends the loop without an error for the caller.
var errStop = errors.New("stop")

func (s *stream) run(ctx context.Context, body io.Reader) error {
	buf := make([]byte, s.d.bufferSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := s.out.Write(buf[:n]); err != nil {
				return &download.FileError{Op: "write", Path: s.partial, Err: err}
			}

			s.written += int64(n)

			if err := s.sample(ctx); err != nil {
				if errors.Is(err, errStop) {
					return nil
				}

				return err
			}
		}

		if readErr == nil {
			continue
		}

		if errors.Is(readErr, io.EOF) {
			return s.finishAtEOF(ctx)
		}

		if ctx.Err() != nil {
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "download interrupted",
				"downloaded", humanize.Bytes(uint64(s.written)),
			)

			return nil
		}

		s.abandon(ctx)

		return &download.HTTPError{URL: s.record.URL, Reason: "stream failed", Err: readErr}
	}
}

// sample acts on the current progress if the throttle lets it through. It
// returns errStop when the loop must end without error.
func (s *stream) sample(ctx context.Context) error {
	p := progress.Percent(s.written, s.total)
	if !s.throttle.Sample(p) {
		return nil
	}

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	live, found, err := s.d.store(ctx).FindByPath(s.record.Path)
	if err != nil {
		return err
	}

	if !found {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "download record removed, stopping")

		return errStop
	}

	switch live.Status {
	case download.StatusInProgress:
	case download.StatusPaused:
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "download paused",
			"downloaded", humanize.Bytes(uint64(s.written)),
		)

		return errStop
	default:
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "download no longer in progress, stopping",
			"status", live.Status.String(),
		)

		return errStop
	}

	if p >= 100 {
		if err := s.complete(ctx, live); err != nil {
			return err
		}

		return errStop
	}

	updated := live.WithProgress(p)
	if err := s.d.store(ctx).Update(updated); err != nil {
		return err
	}

	s.notify(ctx, updated)

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download progress",
		"downloaded", humanize.Bytes(uint64(s.written)),
		"total", humanize.Bytes(uint64(s.total)),
		"percent", humanize.FtoaWithDigits(p, 2),
	)

	return nil
}

// finishAtEOF handles a clean end of body. A known total that was not reached
// is a truncated stream.
func (s *stream) finishAtEOF(ctx context.Context) error {
	if s.total > 0 {
		if s.written >= s.total {
			// Completion was already handled, or skipped because the record
			// was paused at 100.
			return nil
		}

		s.abandon(ctx)

		return &download.HTTPError{
			URL:    s.record.URL,
			Reason: fmt.Sprintf("stream ended after %d of %d bytes", s.written, s.total),
			Err:    io.ErrUnexpectedEOF,
		}
	}

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	live, found, err := s.d.store(ctx).FindByPath(s.record.Path)
	if err != nil {
		return err
	}

	if !found || live.Status != download.StatusInProgress {
		return nil
	}

	return s.complete(ctx, live)
}

func (s *stream) complete(ctx context.Context, live download.Record) error {
	if err := s.d.store(ctx).Delete(live.Path); err != nil {
		return err
	}

	if err := s.out.Close(); err != nil {
		return &download.FileError{Op: "close", Path: s.partial, Err: err}
	}

	if err := os.Rename(s.partial, live.Path); err != nil {
		return &download.FileError{Op: "rename", Path: s.partial, Err: err}
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download completed",
		"file_size", humanize.Bytes(uint64(s.written)),
	)

	s.notify(ctx, live.WithStatus(download.StatusCompleted))

	return nil
}

// abandon drops the record and the partial file after a stream failure.
func (s *stream) abandon(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	if err := s.d.store(ctx).Delete(s.record.Path); err != nil {
		logger.WarnContext(ctx, "failed to delete record after stream failure", "err", err)
	}

	s.out.Close()

	if err := os.Remove(s.partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WarnContext(ctx, "failed to remove partial file", "file", s.partial, "err", err)
	}
}

func (s *stream) notify(ctx context.Context, record download.Record) {
	if s.d.notifier == nil {
		return
	}

	if err := s.d.notifier.Notify(ctx, record); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to notify download change",
			"status", record.Status.String(),
			"err", err,
		)
	}
}

func partialSize(partial string) (int64, error) {
	info, err := os.Stat(partial)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, &download.FileError{Op: "stat", Path: partial, Err: err}
	}

	return info.Size(), nil
}
