package storage

import (
	"context"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/telemetry"
)

// InstrumentedDownloadRepository wraps a DownloadRepository with telemetry.
// Store spans start from the bound context, background unless WithContext
// was used.
type InstrumentedDownloadRepository struct {
	repo      DownloadRepository
	telemetry *telemetry.Telemetry
	ctx       context.Context
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(repo DownloadRepository, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      repo,
		telemetry: tel,
		ctx:       context.Background(),
	}
}

// WithContext returns a view of r whose spans are children of the span in ctx.
func (r *InstrumentedDownloadRepository) WithContext(ctx context.Context) DownloadRepository {
	if ctx == nil {
		return r
	}

	bound := *r
	bound.ctx = ctx

	return &bound
}

// List retrieves all records with telemetry.
func (r *InstrumentedDownloadRepository) List() ([]download.Record, error) {
	var result []download.Record

	err := r.telemetry.InstrumentDBOperation(r.ctx, "list", func(ctx context.Context) error {
		var err error
		result, err = r.repo.List()

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FindByPath looks a record up with telemetry.
func (r *InstrumentedDownloadRepository) FindByPath(path string) (download.Record, bool, error) {
	var (
		result download.Record
		found  bool
	)

	err := r.telemetry.InstrumentDBOperation(r.ctx, "find_by_path", func(ctx context.Context) error {
		var err error
		result, found, err = r.repo.FindByPath(path)

		return err
	})

	return result, found, err
}

// Create inserts a record with telemetry.
func (r *InstrumentedDownloadRepository) Create(record download.Record) (download.Record, error) {
	var result download.Record

	err := r.telemetry.InstrumentDBOperation(r.ctx, "create", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Create(record)

		return err
	})

	return result, err
}

// Update replaces a record with telemetry.
func (r *InstrumentedDownloadRepository) Update(record download.Record) error {
	return r.telemetry.InstrumentDBOperation(r.ctx, "update", func(ctx context.Context) error {
		return r.repo.Update(record)
	})
}

// UpdateNoPersist replaces a record in memory with telemetry.
func (r *InstrumentedDownloadRepository) UpdateNoPersist(record download.Record) error {
	return r.telemetry.InstrumentDBOperation(r.ctx, "update_no_persist", func(ctx context.Context) error {
		return r.repo.UpdateNoPersist(record)
	})
}

// Delete removes a record with telemetry.
func (r *InstrumentedDownloadRepository) Delete(path string) error {
	return r.telemetry.InstrumentDBOperation(r.ctx, "delete", func(ctx context.Context) error {
		return r.repo.Delete(path)
	})
}
