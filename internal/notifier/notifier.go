// Package notifier delivers download change notifications to observers.
package notifier

import (
	"context"
	"errors"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
)

// Notifier receives the full record after every persisted status change or
// throttled progress update.
type Notifier interface {
	Notify(ctx context.Context, record download.Record) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, record download.Record) error

func (f Func) Notify(ctx context.Context, record download.Record) error {
	return f(ctx, record)
}

// Multi fans a notification out to every notifier in order and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, record download.Record) error {
	var errs []error

	for _, n := range m {
		if n == nil {
			continue
		}

		if err := n.Notify(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// LogNotifier writes every notification to the context logger at debug level.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, record download.Record) error {
	logctx.LoggerFromContext(ctx).DebugContext(ctx, "download changed",
		"download_path", record.Path,
		"status", record.Status.String(),
		"progress", record.Progress,
	)

	return nil
}
