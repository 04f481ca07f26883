package domain

import (
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode selects between full video downloads and audio extraction.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

// Job is one requested media download.
type Job struct {
	ID           uuid.UUID `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Mode         Mode      `json:"mode"`
	VideoFormat  string    `json:"video_format,omitempty"`
	Container    string    `json:"container,omitempty"`
	AudioFormat  string    `json:"audio_format,omitempty"`
	AudioQuality string    `json:"audio_quality,omitempty"`
	OutputDir    string    `json:"output_dir"`
	ExtraArgs    []string  `json:"extra_args,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	Status     JobStatus `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Progress   Progress  `json:"progress"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// NewJob builds a queued job from a request. The request is expected to be
// validated already.
func NewJob(req Request, now time.Time) *Job {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = PlaceholderTitle(req.URL)
	}
	return &Job{
		ID:           uuid.New(),
		URL:          strings.TrimSpace(req.URL),
		Title:        title,
		Mode:         req.Mode,
		VideoFormat:  req.VideoFormat,
		Container:    req.Container,
		AudioFormat:  req.AudioFormat,
		AudioQuality: req.AudioQuality,
		OutputDir:    req.OutputDir,
		ExtraArgs:    slices.Clone(req.ExtraArgs),
		CreatedAt:    now,
		Status:       JobStatusQueued,
	}
}

// Clone returns a copy that shares no mutable memory with j.
func (j *Job) Clone() Job {
	c := *j
	c.ExtraArgs = slices.Clone(j.ExtraArgs)
	return c
}

// ShortID returns the first eight characters of id, used as a log prefix.
func ShortID(id uuid.UUID) string {
	return id.String()[:8]
}

// Format describes the selected format for display and history records.
func (j *Job) Format() string {
	if j.Mode == ModeAudio {
		if j.AudioFormat != "" {
			return j.AudioFormat
		}
		return "audio"
	}
	if j.Container != "" {
		return j.VideoFormat + " / " + j.Container
	}
	return j.VideoFormat
}

// PlaceholderTitle derives a display title from a source URL: the last
// non-empty path segment, else the host, else the raw URL.
func PlaceholderTitle(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(parts) > 0 {
		last := parts[len(parts)-1]
		if last == "watch" {
			if v := u.Query().Get("v"); v != "" {
				return v
			}
		}
		return last
	}
	if u.Host != "" {
		return u.Host
	}
	return raw
}
