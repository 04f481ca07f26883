package ytdlp

import (
	"path/filepath"

	"github.com/veranemoloko/media-downloader/internal/domain"
)

// DefaultMergeToolPaths are checked in order for an ffmpeg binary.
var DefaultMergeToolPaths = []string{
	"/usr/local/bin/ffmpeg",
	"/opt/homebrew/bin/ffmpeg",
	"/usr/bin/ffmpeg",
}

const extTemplate = "%(ext)s"

// Options is the declarative input of BuildArgs.
type Options struct {
	URL          string
	Mode         domain.Mode
	VideoFormat  string
	Container    string
	AudioFormat  string
	AudioQuality string
	OutputDir    string
	ExtraArgs    []string
	// MergeTool is the ffmpeg path to pass explicitly, empty to let yt-dlp
	// search its own default locations.
	MergeTool string
}

// OptionsFromJob copies the request fields of a job into Options.
func OptionsFromJob(job domain.Job, mergeTool string) Options {
	return Options{
		URL:          job.URL,
		Mode:         job.Mode,
		VideoFormat:  job.VideoFormat,
		Container:    job.Container,
		AudioFormat:  job.AudioFormat,
		AudioQuality: job.AudioQuality,
		OutputDir:    job.OutputDir,
		ExtraArgs:    job.ExtraArgs,
		MergeTool:    mergeTool,
	}
}

// BuildArgs returns the yt-dlp argument vector for opts. The source URL is
// always the last element.
func BuildArgs(opts Options) []string {
	var args []string

	if opts.MergeTool != "" {
		args = append(args, "--ffmpeg-location", opts.MergeTool)
	}

	args = append(args, "--newline", "--progress")

	switch opts.Mode {
	case domain.ModeAudio:
		args = append(args, "-x")
		if opts.AudioFormat != "" {
			args = append(args, "--audio-format", opts.AudioFormat)
		}
		if opts.AudioQuality != "" {
			args = append(args, "--audio-quality", opts.AudioQuality)
		}
		args = append(args, "-o", outputTemplate(opts.OutputDir, opts.AudioFormat))
	default:
		if opts.VideoFormat != "" {
			args = append(args, "-f", opts.VideoFormat)
		}
		if opts.Container != "" {
			args = append(args, "--merge-output-format", opts.Container)
		}
		args = append(args, "-o", outputTemplate(opts.OutputDir, opts.Container))
	}

	args = append(args, opts.ExtraArgs...)
	return append(args, opts.URL)
}

// FindMergeTool returns the first candidate for which exists reports true,
// or an empty string.
func FindMergeTool(candidates []string, exists func(string) bool) string {
	for _, path := range candidates {
		if exists(path) {
			return path
		}
	}
	return ""
}

func outputTemplate(dir, ext string) string {
	if ext == "" {
		ext = extTemplate
	}
	return filepath.Join(dir, "%(title)s."+ext)
}
