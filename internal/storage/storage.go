package storage

import (
	"context"

	"github.com/italolelis/download_manager/internal/download"
)

// DownloadReadRepository exposes snapshot reads of the record table.
type DownloadReadRepository interface {
	List() ([]download.Record, error)
	FindByPath(path string) (download.Record, bool, error)
}

// DownloadWriteRepository mutates the record table. Every method except
// UpdateNoPersist is durable once it returns.
type DownloadWriteRepository interface {
	// Create fails with a *download.StoreError wrapping download.ErrAlreadyExists
	// when the path is already tracked.
	Create(record download.Record) (download.Record, error)
	// Update replaces the record with the same path; unknown paths are a no-op.
	Update(record download.Record) error
	// UpdateNoPersist is Update without the disk write.
	UpdateNoPersist(record download.Record) error
	// Delete removes the record for path if present.
	Delete(path string) error
}

// DownloadRepository is the single source of truth for download state.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

// ContextBinder is implemented by repositories that can attribute their work
// to the caller's context, such as the instrumented repository.
type ContextBinder interface {
	WithContext(ctx context.Context) DownloadRepository
}

// Bind returns repo scoped to ctx when it supports it, repo itself otherwise.
func Bind(ctx context.Context, repo DownloadRepository) DownloadRepository {
	if b, ok := repo.(ContextBinder); ok {
		return b.WithContext(ctx)
	}

	return repo
}
