package errors

import (
	"errors"
	"fmt"
)

var (
	ErrToolNotFound   = errors.New("yt-dlp executable not found")
	ErrLaunchFailed   = errors.New("failed to launch yt-dlp")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobNotTerminal = errors.New("job is not in a terminal state")
	ErrShuttingDown   = errors.New("service is shutting down")
)

// ExitError describes a subprocess that exited with a non-zero code that
// does not mean cancellation.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("download failed with exit code: %d", e.Code)
	}
	return e.Message
}
