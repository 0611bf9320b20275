// Package app holds the wiring shared by the service and the operator CLI.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/italolelis/download_manager/internal/config"
	"github.com/italolelis/download_manager/internal/downloader"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/storage/jsonfile"
	"github.com/italolelis/download_manager/internal/storage/sqlite"
	"github.com/italolelis/download_manager/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// OpenRepository opens the configured record store wrapped with telemetry.
// The returned function releases the backend.
func OpenRepository(cfg *config.Config, tel *telemetry.Telemetry) (storage.DownloadRepository, func() error, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		db, err := sqlite.InitDB(cfg.DBPath())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}

		repo := storage.NewInstrumentedDownloadRepository(sqlite.NewDownloadRepository(db), tel)

		return repo, db.Close, nil
	default:
		store, err := jsonfile.Open(cfg.StorePath())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open store: %w", err)
		}

		repo := storage.NewInstrumentedDownloadRepository(store, tel)

		return repo, func() error { return nil }, nil
	}
}

// NewHTTPClient returns the client used to fetch sources: traced with otelhttp
// and, when a token is configured, authenticated with a static bearer token.
// No timeout is set; a download runs for as long as its body keeps flowing.
func NewHTTPClient(ctx context.Context, cfg *config.Config) *http.Client {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	if cfg.DownloadAuthToken == "" {
		return base
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.DownloadAuthToken,
		TokenType:   "Bearer",
	}))
}

// DownloaderOptions maps configuration onto downloader options.
func DownloaderOptions(ctx context.Context, cfg *config.Config) []downloader.Option {
	return []downloader.Option{
		downloader.WithHTTPClient(NewHTTPClient(ctx, cfg)),
		downloader.WithPartialSuffix(cfg.PartialSuffix),
		downloader.WithProgressThreshold(cfg.ProgressThreshold),
	}
}
