package domain

import "time"

// HistoryEntry is one completed download kept in the recent downloads list.
type HistoryEntry struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Filename    string    `json:"filename"`
	Path        string    `json:"path,omitempty"`
	Format      string    `json:"format"`
	Size        int64     `json:"size,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Key identifies entries that describe the same download.
func (e HistoryEntry) Key() string {
	return e.URL + "\x00" + e.Filename
}
