package ytdlp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/veranemoloko/media-downloader/internal/domain"
)

var (
	rePct         = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	reSpeed       = regexp.MustCompile(`\d+(?:\.\d+)?[A-Za-z]+/s\b`)
	reETA         = regexp.MustCompile(`\bETA\s+(\d{2}:\d{2}(?::\d{2})?)`)
	reOf          = regexp.MustCompile(`\bof\s+~?\s*(\d+(?:\.\d+)?)([A-Za-z]+)`)
	reDestination = regexp.MustCompile(`^\s*\[[^\]]+\]\s+Destination:\s*(.+?)\s*$`)
	reMerger      = regexp.MustCompile(`\[Merger\] Merging formats into\s+"([^"]+)"`)
)

const alreadyDownloaded = "has already been downloaded"

// ParseProgress extracts a progress update from a chunk of yt-dlp output.
// The chunk may hold any number of lines; each line contributes the fields
// it carries. It returns false when nothing was recognized.
func ParseProgress(chunk string) (domain.ProgressUpdate, bool) {
	var u domain.ProgressUpdate
	for _, line := range strings.FieldsFunc(chunk, func(r rune) bool { return r == '\n' || r == '\r' }) {
		parseLine(line, &u)
	}
	return u, !u.IsEmpty()
}

func parseLine(line string, u *domain.ProgressUpdate) {
	if strings.TrimSpace(line) == "" {
		return
	}

	var pct *float64
	if m := rePct.FindStringSubmatch(line); len(m) > 1 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			v /= 100
			pct = &v
		}
	}
	if strings.Contains(line, alreadyDownloaded) || strings.Contains(line, "100%") {
		pct = ptr(1.0)
	}

	if m := reSpeed.FindString(line); m != "" {
		u.Speed = m
	}
	if m := reETA.FindStringSubmatch(line); len(m) > 1 {
		u.ETA = m[1]
	}
	if m := reOf.FindStringSubmatch(line); len(m) > 2 {
		u.TotalSize = m[1] + m[2]
		if pct != nil {
			if total, err := strconv.ParseFloat(m[1], 64); err == nil {
				u.DownloadedSize = fmt.Sprintf("%.2f%s", total**pct, m[2])
			}
		}
	}

	if m := reDestination.FindStringSubmatch(line); len(m) > 1 {
		u.Filename = baseName(m[1])
	}
	if m := reMerger.FindStringSubmatch(line); len(m) > 1 {
		u.Filename = baseName(m[1])
		pct = ptr(1.0)
	}
	if strings.Contains(line, "Deleting original file") || strings.Contains(line, "[ffmpeg] Merging") {
		pct = ptr(1.0)
	}

	if pct != nil {
		u.Percent = pct
	}
}

// baseName returns the last path component of p, accepting both separators
// since yt-dlp prints native paths.
func baseName(p string) string {
	p = strings.Trim(strings.TrimSpace(p), `"'`)
	parts := strings.FieldsFunc(p, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func ptr(v float64) *float64 {
	return &v
}
