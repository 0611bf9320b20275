// Package manager is the state machine in front of the record store. It
// validates and gates every transition, persists it, runs downloader tasks and
// forwards change notifications.
package manager

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/downloader"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/notifier"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the download lifecycle. Create one per store and pass it to
// whatever dispatches operations.
type Manager struct {
	repo       storage.DownloadRepository
	notifier   notifier.Notifier
	telemetry  *telemetry.Telemetry
	downloader *downloader.Downloader

	// opMu orders every transition, rollback and downloader record update.
	opMu sync.Mutex

	tasksMu sync.Mutex
	tasks   map[string]*task
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	telemetry   *telemetry.Telemetry
	downloaderO []downloader.Option
}

// WithTelemetry records transitions, notifications and task outcomes.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = t
	}
}

// WithDownloaderOptions configures the downloader the manager runs tasks with.
func WithDownloaderOptions(opts ...downloader.Option) Option {
	return func(o *options) {
		o.downloaderO = append(o.downloaderO, opts...)
	}
}

// New builds a Manager. Tasks run detached from request contexts: they derive
// from ctx, inherit its logger, and stop when it is done or Close is called.
func New(ctx context.Context, repo storage.DownloadRepository, n notifier.Notifier, opts ...Option) *Manager {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rootCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		repo:      repo,
		notifier:  n,
		telemetry: o.telemetry,
		tasks:     make(map[string]*task),
		ctx:       rootCtx,
		cancel:    cancel,
	}

	dlOpts := append(o.downloaderO, downloader.WithLocker(&m.opMu))
	m.downloader = downloader.New(repo, notifier.Func(m.deliver), dlOpts...)

	return m
}

// Init demotes records left InProgress by an unclean shutdown: to Idle when
// nothing was downloaded yet, otherwise to Paused. Call it once before serving.
func (m *Manager) Init(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	records, err := m.store(ctx).List()
	if err != nil {
		return err
	}

	for _, r := range records {
		if r.Status != download.StatusInProgress {
			continue
		}

		next := download.StatusPaused
		if r.Progress == 0 {
			next = download.StatusIdle
		}

		if err := m.store(ctx).Update(r.WithStatus(next)); err != nil {
			return err
		}

		logger.InfoContext(ctx, "reconciled interrupted download",
			"download_path", r.Path,
			"progress", r.Progress,
			"status", next.String(),
		)
	}

	return nil
}

// List returns every persisted record.
func (m *Manager) List(ctx context.Context) ([]download.Record, error) {
	return m.store(ctx).List()
}

// Get returns the record for path, or a Pending record if none is persisted.
func (m *Manager) Get(ctx context.Context, path string) (download.Record, error) {
	if err := download.ValidatePath(path); err != nil {
		return download.Record{}, err
	}

	r, found, err := m.store(ctx).FindByPath(path)
	if err != nil {
		return download.Record{}, err
	}

	if !found {
		return download.Record{Path: path, Status: download.StatusPending}, nil
	}

	return r, nil
}

// Create tracks a new Idle download. An existing record is returned unchanged.
func (m *Manager) Create(ctx context.Context, path, rawURL string) (download.ActionResponse, error) {
	if err := download.ValidatePath(path); err != nil {
		return download.ActionResponse{}, err
	}

	if err := download.ValidateURL(rawURL); err != nil {
		return download.ActionResponse{}, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	existing, found, err := m.store(ctx).FindByPath(path)
	if err != nil {
		return download.ActionResponse{}, err
	}

	if found {
		m.telemetry.RecordTransition("create", false)

		return download.WithExpectedStatus(existing, download.StatusIdle), nil
	}

	created, err := m.store(ctx).Create(download.Record{
		URL:    rawURL,
		Path:   path,
		Status: download.StatusIdle,
	})
	if err != nil {
		return download.ActionResponse{}, err
	}

	m.telemetry.RecordTransition("create", true)
	m.deliver(ctx, created)

	return download.NewActionResponse(created), nil
}

// Start begins an Idle download.
func (m *Manager) Start(ctx context.Context, path string) (download.ActionResponse, error) {
	return m.launch(ctx, "start", path, download.StatusIdle)
}

// Resume continues a Paused download from its partial file.
func (m *Manager) Resume(ctx context.Context, path string) (download.ActionResponse, error) {
	return m.launch(ctx, "resume", path, download.StatusPaused)
}

func (m *Manager) launch(ctx context.Context, op, path string, from download.Status) (download.ActionResponse, error) {
	if err := download.ValidatePath(path); err != nil {
		return download.ActionResponse{}, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	current, err := m.find(ctx, path)
	if err != nil {
		return download.ActionResponse{}, err
	}

	if current.Status != from {
		m.telemetry.RecordTransition(op, false)

		return download.WithExpectedStatus(current, download.StatusInProgress), nil
	}

	started := current.WithStatus(download.StatusInProgress)
	if err := m.store(ctx).Update(started); err != nil {
		return download.ActionResponse{}, err
	}

	m.telemetry.RecordTransition(op, true)
	m.deliver(ctx, started)
	m.spawn(current, started)

	return download.NewActionResponse(started), nil
}

// Pause stops an InProgress download and keeps its partial file.
func (m *Manager) Pause(ctx context.Context, path string) (download.ActionResponse, error) {
	if err := download.ValidatePath(path); err != nil {
		return download.ActionResponse{}, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	current, err := m.find(ctx, path)
	if err != nil {
		return download.ActionResponse{}, err
	}

	if current.Status != download.StatusInProgress {
		m.telemetry.RecordTransition("pause", false)

		return download.WithExpectedStatus(current, download.StatusPaused), nil
	}

	paused := current.WithStatus(download.StatusPaused)
	if err := m.store(ctx).Update(paused); err != nil {
		return download.ActionResponse{}, err
	}

	m.stop(path)
	m.telemetry.RecordTransition("pause", true)
	m.deliver(ctx, paused)

	return download.NewActionResponse(paused), nil
}

// Cancel removes a download and its partial file. It returns once the running
// task, if any, has stopped.
func (m *Manager) Cancel(ctx context.Context, path string) (download.ActionResponse, error) {
	if err := download.ValidatePath(path); err != nil {
		return download.ActionResponse{}, err
	}

	m.opMu.Lock()

	current, err := m.find(ctx, path)
	if err != nil {
		m.opMu.Unlock()

		return download.ActionResponse{}, err
	}

	switch current.Status {
	case download.StatusIdle, download.StatusInProgress, download.StatusPaused:
	default:
		m.opMu.Unlock()
		m.telemetry.RecordTransition("cancel", false)

		return download.WithExpectedStatus(current, download.StatusCancelled), nil
	}

	if err := m.store(ctx).Delete(path); err != nil {
		m.opMu.Unlock()

		return download.ActionResponse{}, err
	}

	t := m.stop(path)
	m.opMu.Unlock()

	if t != nil {
		<-t.done
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	// A new download for the same path may have been created meanwhile; its
	// partial file is not ours to remove.
	if _, found, err := m.store(ctx).FindByPath(path); err == nil && !found {
		partial := m.downloader.PartialPath(path)
		if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logctx.LoggerFromContext(ctx).DebugContext(ctx, "failed to remove partial file",
				"file", partial,
				"err", err,
			)
		}
	}

	cancelled := current.WithStatus(download.StatusCancelled)

	m.telemetry.RecordTransition("cancel", true)
	m.deliver(ctx, cancelled)

	return download.NewActionResponse(cancelled), nil
}

// Wait blocks until every running task has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops every running task and waits for them. Interrupted downloads
// stay InProgress and are reconciled by the next Init.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// store scopes the repository to ctx so store spans join the caller's trace.
func (m *Manager) store(ctx context.Context) storage.DownloadRepository {
	return storage.Bind(ctx, m.repo)
}

// find must be called with opMu held.
func (m *Manager) find(ctx context.Context, path string) (download.Record, error) {
	r, found, err := m.store(ctx).FindByPath(path)
	if err != nil {
		return download.Record{}, err
	}

	if !found {
		return download.Record{}, &download.NotFoundError{Path: path}
	}

	return r, nil
}

// spawn runs a downloader task for started. previous is what gets restored if
// the task fails on its own. Must be called with opMu held.
func (m *Manager) spawn(previous, started download.Record) {
	ctx, cancel := context.WithCancel(m.ctx)

	t := &task{cancel: cancel, done: make(chan struct{})}

	m.tasksMu.Lock()
	prev := m.tasks[started.Path]
	m.tasks[started.Path] = t
	m.tasksMu.Unlock()

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer close(t.done)
		defer cancel()
		defer m.release(started.Path, t)

		// The previous task for this path was stopped; let it finish writing
		// before appending to the same partial file.
		if prev != nil {
			<-prev.done
		}

		err := m.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
			return m.downloader.Download(ctx, started)
		})
		if err != nil {
			m.rollback(ctx, previous, err)
		}
	}()
}

// stop cancels the task running for path, if any, and returns it. Must be
// called with opMu held.
func (m *Manager) stop(path string) *task {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()

	t, ok := m.tasks[path]
	if !ok {
		return nil
	}

	t.cancel()

	return t
}

func (m *Manager) release(path string, t *task) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()

	if m.tasks[path] == t {
		delete(m.tasks, path)
	}
}

// rollback restores the record as it was before the failed task started.
func (m *Manager) rollback(ctx context.Context, previous download.Record, cause error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	// Paused, cancelled or shutting down: the failure is a consequence.
	if ctx.Err() != nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	logger.ErrorContext(ctx, "download failed, restoring previous state",
		"download_path", previous.Path,
		"status", previous.Status.String(),
		"err", cause,
	)

	m.telemetry.RecordSystemError("downloader", download.ErrorType(cause))

	_, found, err := m.store(ctx).FindByPath(previous.Path)
	if err == nil {
		if found {
			err = m.store(ctx).Update(previous)
		} else {
			_, err = m.store(ctx).Create(previous)
		}
	}

	if err != nil {
		logger.ErrorContext(ctx, "failed to restore download", "download_path", previous.Path, "err", err)
		m.telemetry.RecordSystemError("manager", download.ErrorType(err))

		return
	}

	m.deliver(ctx, previous)
}

// deliver forwards a change to the notifier. Failures are logged only.
func (m *Manager) deliver(ctx context.Context, record download.Record) error {
	m.telemetry.RecordNotification(record.Status.String())

	if m.notifier == nil {
		return nil
	}

	if err := m.notifier.Notify(ctx, record); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to notify download change",
			"download_path", record.Path,
			"status", record.Status.String(),
			"err", err,
		)
	}

	return nil
}
