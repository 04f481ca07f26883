package repository

import (
	"context"

	"github.com/veranemoloko/media-downloader/internal/domain"
)

// HistoryRepo defines the interface for the recent downloads history.
type HistoryRepo interface {
	Add(ctx context.Context, entry domain.HistoryEntry) error
	List(ctx context.Context) ([]domain.HistoryEntry, error)
	SetLastOutputDir(ctx context.Context, dir string) error
	LastOutputDir() string
}
