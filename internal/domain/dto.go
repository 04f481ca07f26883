package domain

import (
	"time"

	"github.com/google/uuid"
)

// Request represents the body for submitting a new download job.
type Request struct {
	URL          string   `json:"url" validate:"required,media_url"`
	Title        string   `json:"title,omitempty" validate:"max=512"`
	Mode         Mode     `json:"mode" validate:"required,oneof=video audio"`
	VideoFormat  string   `json:"video_format,omitempty" validate:"max=256"`
	Container    string   `json:"container,omitempty" validate:"omitempty,oneof=mp4 mkv webm mov"`
	AudioFormat  string   `json:"audio_format,omitempty" validate:"omitempty,oneof=mp3 m4a opus flac wav"`
	AudioQuality string   `json:"audio_quality,omitempty" validate:"omitempty,oneof=0 1 2 3 4 5 6 7 8 9 10"`
	OutputDir    string   `json:"output_dir" validate:"required"`
	ExtraArgs    []string `json:"extra_args,omitempty" validate:"max=64"`
}

// JobResponse is returned for a Job by the control API.
type JobResponse struct {
	ID         uuid.UUID `json:"job_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Mode       Mode      `json:"mode"`
	Format     string    `json:"format"`
	OutputDir  string    `json:"output_dir"`
	Status     JobStatus `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Progress   Progress  `json:"progress"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewJobResponse converts a job snapshot for the control API.
func NewJobResponse(j Job) JobResponse {
	return JobResponse{
		ID:         j.ID,
		URL:        j.URL,
		Title:      j.Title,
		Mode:       j.Mode,
		Format:     j.Format(),
		OutputDir:  j.OutputDir,
		Status:     j.Status,
		Reason:     j.Reason,
		Progress:   j.Progress,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}

// Stats summarizes the job list and the live process table.
type Stats struct {
	Queued      int `json:"queued"`
	Downloading int `json:"downloading"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	LiveHandles int `json:"live_processes"`
	Subscribers int `json:"subscribers"`
}

// DefaultVideoFormat is the yt-dlp format selector used when none is given.
const DefaultVideoFormat = "best"

// WithDefaults fills the optional fields that have a documented default.
func (r Request) WithDefaults() Request {
	if r.Mode == "" {
		r.Mode = ModeVideo
	}
	if r.Mode == ModeVideo && r.VideoFormat == "" {
		r.VideoFormat = DefaultVideoFormat
	}
	return r
}
