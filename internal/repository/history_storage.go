package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/veranemoloko/media-downloader/internal/domain"
	"github.com/veranemoloko/media-downloader/internal/storage"
)

// DefaultHistoryLimit is the number of entries kept when no limit is given.
const DefaultHistoryLimit = 50

type historyState struct {
	LastOutputDir string                `json:"last_output_dir,omitempty"`
	Entries       []domain.HistoryEntry `json:"entries"`
}

// HistoryStorage keeps the most recent completed downloads, newest first,
// and the last output directory a job was submitted with. With an empty
// file path the state lives in memory only.
type HistoryStorage struct {
	mu     sync.RWMutex
	state  historyState
	file   string
	limit  int
	files  *storage.FileStorage
	logger *slog.Logger
}

var _ HistoryRepo = (*HistoryStorage)(nil)

// NewHistoryStorage creates a HistoryStorage and loads its state from the
// file if it exists. files resolves the output path of recorded jobs.
func NewHistoryStorage(filePath string, limit int, files *storage.FileStorage, logger *slog.Logger) (*HistoryStorage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	repo := &HistoryStorage{
		limit:  limit,
		files:  files,
		logger: logger,
	}
	if filePath != "" {
		repo.file = filepath.Clean(filePath)
	}

	if err := repo.restore(); err != nil {
		return nil, fmt.Errorf("failed to load history from file: %w", err)
	}

	logger.Info("history repository initialized", "file_path", repo.file, "entries", len(repo.state.Entries))
	return repo, nil
}

func (r *HistoryStorage) restore() error {
	if r.file == "" {
		return nil
	}

	data, err := os.ReadFile(r.file)
	if os.IsNotExist(err) {
		r.logger.Info("history file does not exist, starting empty", "file_path", r.file)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read history file: %w", err)
	}

	if len(data) == 0 {
		r.logger.Warn("history file is empty", "file_path", r.file)
		return nil
	}

	var state historyState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal history file: %w", err)
	}
	if len(state.Entries) > r.limit {
		state.Entries = state.Entries[:r.limit]
	}
	r.state = state
	return nil
}

// persist writes the state with a temp file and rename. Callers hold mu.
func (r *HistoryStorage) persist() error {
	if r.file == "" {
		return nil
	}

	data, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.file), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	tempFile := r.file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tempFile, r.file); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	r.logger.Debug("history saved to file", "entries", len(r.state.Entries), "file_path", r.file)
	return nil
}

// Add records entry as the most recent download. An older entry with the
// same URL and filename is replaced.
func (r *HistoryStorage) Add(ctx context.Context, entry domain.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]domain.HistoryEntry, 0, len(r.state.Entries)+1)
	entries = append(entries, entry)
	for _, e := range r.state.Entries {
		if e.Key() != entry.Key() {
			entries = append(entries, e)
		}
	}
	if len(entries) > r.limit {
		entries = entries[:r.limit]
	}
	r.state.Entries = entries

	if err := r.persist(); err != nil {
		return fmt.Errorf("failed to save history after adding entry: %w", err)
	}
	return nil
}

// List returns the entries, newest first.
func (r *HistoryStorage) List(ctx context.Context) ([]domain.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.HistoryEntry(nil), r.state.Entries...), nil
}

// SetLastOutputDir remembers dir as the most recently used output directory.
func (r *HistoryStorage) SetLastOutputDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if dir == "" || dir == r.state.LastOutputDir {
		return nil
	}
	r.state.LastOutputDir = dir
	if err := r.persist(); err != nil {
		return fmt.Errorf("failed to save history after updating output dir: %w", err)
	}
	return nil
}

// LastOutputDir returns the most recently used output directory, or an
// empty string.
func (r *HistoryStorage) LastOutputDir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.LastOutputDir
}

// Follow records job events until events is closed or ctx is done.
// Submitted jobs update the last output directory and completed jobs are
// added to the history.
func (r *HistoryStorage) Follow(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *HistoryStorage) record(ctx context.Context, ev domain.Event) {
	switch {
	case ev.Type == domain.EventSubmitted:
		if err := r.SetLastOutputDir(ctx, ev.Job.OutputDir); err != nil {
			r.logger.Error("failed to record output directory", "job_id", ev.Job.ID, "error", err)
		}
	case ev.Type == domain.EventStatus && ev.Job.Status == domain.JobStatusCompleted:
		if err := r.Add(ctx, r.entryFor(ev.Job)); err != nil {
			r.logger.Error("failed to record completed download", "job_id", ev.Job.ID, "error", err)
		}
	}
}

func (r *HistoryStorage) entryFor(job domain.Job) domain.HistoryEntry {
	entry := domain.HistoryEntry{
		JobID:       job.ID.String(),
		URL:         job.URL,
		Title:       job.Title,
		Filename:    job.Progress.Filename,
		Format:      job.Format(),
		CompletedAt: job.FinishedAt,
	}
	if entry.Filename == "" {
		return entry
	}

	entry.Path = filepath.Join(r.files.Resolve(job.OutputDir), entry.Filename)
	if size, err := r.files.GetFileSize(entry.Path); err == nil {
		entry.Size = size
	} else {
		r.logger.Debug("downloaded file not found", "path", entry.Path, "error", err)
	}
	return entry
}
