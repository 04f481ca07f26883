package ytdlp

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	errpkg "github.com/veranemoloko/media-downloader/internal/errors"
)

// Stream names one of the two captured output streams of the tool.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// SearchPaths are prepended to PATH so the tool finds ffmpeg and friends
// even when started from a minimal environment.
var SearchPaths = []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin", "/bin"}

// ResolveTool returns the absolute path of the yt-dlp executable. A path
// containing a separator is checked as is; a bare name is looked up on
// PATH.
func ResolveTool(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", fmt.Errorf("%w: empty tool path", errpkg.ErrToolNotFound)
	}

	if !strings.ContainsRune(p, os.PathSeparator) && !strings.ContainsRune(p, '/') {
		found, err := exec.LookPath(p)
		if err != nil {
			return "", fmt.Errorf("%w: %s", errpkg.ErrToolNotFound, p)
		}
		return found, nil
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", errpkg.ErrToolNotFound, p, err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", errpkg.ErrToolNotFound, abs)
	}
	return abs, nil
}

// Environment returns base with SearchPaths prepended to PATH and HOME set
// to home, falling back to the inherited HOME. base is not modified.
func Environment(base []string, home string) []string {
	env := make([]string, 0, len(base)+2)
	currentPath := ""
	inherited := ""
	for _, kv := range base {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			currentPath = strings.TrimPrefix(kv, "PATH=")
		case strings.HasPrefix(kv, "HOME="):
			inherited = strings.TrimPrefix(kv, "HOME=")
		default:
			env = append(env, kv)
		}
	}

	paths := append([]string{}, SearchPaths...)
	if currentPath != "" {
		paths = append(paths, currentPath)
	}
	env = append(env, "PATH="+strings.Join(paths, string(os.PathListSeparator)))
	if home == "" {
		home = inherited
	}
	if home != "" {
		env = append(env, "HOME="+home)
	}
	return env
}

