package domain

// Progress is the latest known progress snapshot of a job.
type Progress struct {
	Percent        float64 `json:"percent"`
	Speed          string  `json:"speed,omitempty"`
	ETA            string  `json:"eta,omitempty"`
	TotalSize      string  `json:"total_size,omitempty"`
	DownloadedSize string  `json:"downloaded_size,omitempty"`
	Filename       string  `json:"filename,omitempty"`
}

// ProgressUpdate carries the fields recognized in one chunk of tool output.
// A nil Percent or an empty string means the field was absent.
type ProgressUpdate struct {
	Percent        *float64
	Speed          string
	ETA            string
	TotalSize      string
	DownloadedSize string
	Filename       string
}

// IsEmpty reports whether the update carries no field at all.
func (u ProgressUpdate) IsEmpty() bool {
	return u.Percent == nil && u.Speed == "" && u.ETA == "" &&
		u.TotalSize == "" && u.DownloadedSize == "" && u.Filename == ""
}

// Merge returns p with every field present in u applied. Absent fields keep
// their previous value.
func (p Progress) Merge(u ProgressUpdate) Progress {
	if u.Percent != nil {
		p.Percent = clampPercent(*u.Percent)
	}
	if u.Speed != "" {
		p.Speed = u.Speed
	}
	if u.ETA != "" {
		p.ETA = u.ETA
	}
	if u.TotalSize != "" {
		p.TotalSize = u.TotalSize
	}
	if u.DownloadedSize != "" {
		p.DownloadedSize = u.DownloadedSize
	}
	if u.Filename != "" {
		p.Filename = u.Filename
	}
	return p
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
