package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/veranemoloko/media-downloader/internal/domain"
	errpkg "github.com/veranemoloko/media-downloader/internal/errors"
	"github.com/veranemoloko/media-downloader/internal/metrics"
	"github.com/veranemoloko/media-downloader/internal/storage"
	"github.com/veranemoloko/media-downloader/internal/ytdlp"
)

// CancelExitCode is the exit status reported for a process that ended
// because of the supervisor's SIGTERM.
const CancelExitCode = 15

const (
	maxStderrKeep  = 8192
	maxTreeWalk    = 256
	maxLineBytes   = 1024 * 1024
	defaultGrace   = time.Second
	initialLineBuf = 64 * 1024
)

// Sink receives the output and the exit of supervised processes. Calls come
// from supervisor goroutines; implementations must hand off to their own
// update path before touching shared state.
type Sink interface {
	Output(id uuid.UUID, stream ytdlp.Stream, line string)
	Exited(id uuid.UUID, exit Exit)
}

// Exit describes how a process ended.
type Exit struct {
	Code   int
	Stderr string
	// Err is set when waiting failed for a reason other than the exit status.
	Err error
}

// Options configures a Supervisor.
type Options struct {
	ToolPath       string
	GracePeriod    time.Duration
	MergeToolPaths []string
	Home           string
}

type handle struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

// Supervisor starts, monitors and terminates one yt-dlp process per job.
// The live-handle table is private; a handle is removed as soon as its
// process has been reaped and before the exit is reported to the sink.
type Supervisor struct {
	opts   Options
	files  *storage.FileStorage
	logger *slog.Logger

	mu   sync.Mutex
	live map[uuid.UUID]*handle

	wg sync.WaitGroup
}

// NewSupervisor creates a Supervisor. files resolves and prepares output
// directories.
func NewSupervisor(opts Options, files *storage.FileStorage, logger *slog.Logger) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGrace
	}
	if opts.MergeToolPaths == nil {
		opts.MergeToolPaths = ytdlp.DefaultMergeToolPaths
	}
	return &Supervisor{
		opts:   opts,
		files:  files,
		logger: logger,
		live:   make(map[uuid.UUID]*handle),
	}
}

// Launch starts the download process for job. On error no process is
// running and no handle was registered.
func (s *Supervisor) Launch(job domain.Job, sink Sink) error {
	if err := s.launch(job, sink); err != nil {
		metrics.LaunchFailures.Inc()
		return err
	}
	metrics.ProcessesStarted.Inc()
	return nil
}

func (s *Supervisor) launch(job domain.Job, sink Sink) error {
	tool, err := ytdlp.ResolveTool(s.opts.ToolPath)
	if err != nil {
		return err
	}

	if s.Live(job.ID) {
		return fmt.Errorf("%w: job %s already has a live process", errpkg.ErrLaunchFailed, job.ID)
	}

	if err := s.files.EnsureDir(job.OutputDir); err != nil {
		return fmt.Errorf("%w: %v", errpkg.ErrLaunchFailed, err)
	}

	opts := ytdlp.OptionsFromJob(job, ytdlp.FindMergeTool(s.opts.MergeToolPaths, s.files.FileExists))
	opts.OutputDir = s.files.Resolve(job.OutputDir)
	args := ytdlp.BuildArgs(opts)

	cmd := exec.Command(tool, args...)
	cmd.Env = ytdlp.Environment(os.Environ(), s.opts.Home)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: setup stdout pipe: %v", errpkg.ErrLaunchFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: setup stderr pipe: %v", errpkg.ErrLaunchFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", errpkg.ErrLaunchFailed, err)
	}

	h := &handle{cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.live[job.ID] = h
	s.mu.Unlock()

	s.logger.Info("process started",
		"job_id", job.ID,
		"pid", cmd.Process.Pid,
		"command", tool+" "+strings.Join(args, " "),
	)

	s.wg.Add(1)
	go s.monitor(job.ID, h, stdout, stderr, sink)
	return nil
}

func (s *Supervisor) monitor(id uuid.UUID, h *handle, stdout, stderr io.Reader, sink Sink) {
	defer s.wg.Done()

	var errBuf strings.Builder
	var g errgroup.Group
	g.Go(func() error {
		return pump(stdout, func(line string) {
			metrics.OutputLines.WithLabelValues(string(ytdlp.StreamStdout)).Inc()
			sink.Output(id, ytdlp.StreamStdout, line)
		})
	})
	g.Go(func() error {
		return pump(stderr, func(line string) {
			metrics.OutputLines.WithLabelValues(string(ytdlp.StreamStderr)).Inc()
			appendLimited(&errBuf, line)
			sink.Output(id, ytdlp.StreamStderr, line)
		})
	})
	if err := g.Wait(); err != nil {
		s.logger.Debug("output stream ended with error", "job_id", id, "error", err)
	}

	exit := exitFromWait(h.cmd.Wait())
	exit.Stderr = strings.TrimSpace(errBuf.String())

	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
	close(h.done)

	s.logger.Info("process exited", "job_id", id, "exit_code", exit.Code)
	sink.Exited(id, exit)
}

// Terminate asks the live process of id to stop: SIGTERM first, then a
// forceful kill of the process and its descendants once the grace period
// has passed. It reports whether a live process existed.
func (s *Supervisor) Terminate(id uuid.UUID) bool {
	s.mu.Lock()
	h, ok := s.live[id]
	s.mu.Unlock()
	if !ok {
		return false
	}

	h.once.Do(func() { go s.stop(id, h) })
	return true
}

// TerminateAll calls Terminate for every live process and returns the ids
// that had one.
func (s *Supervisor) TerminateAll() []uuid.UUID {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	terminated := ids[:0]
	for _, id := range ids {
		if s.Terminate(id) {
			terminated = append(terminated, id)
		}
	}
	return terminated
}

// stop signals the process and escalates to a kill of the whole tree when
// it outlives the grace period. The first descendant snapshot is taken
// before SIGTERM so helpers orphaned by the parent's exit are still found.
func (s *Supervisor) stop(id uuid.UUID, h *handle) {
	pid := h.cmd.Process.Pid
	tree := descendants(pid)

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Debug("SIGTERM not delivered, killing", "job_id", id, "error", err)
		_ = h.cmd.Process.Kill()
	}

	timer := time.NewTimer(s.opts.GracePeriod)
	defer timer.Stop()

	select {
	case <-h.done:
		return
	case <-timer.C:
	}

	tree = append(tree, descendants(pid)...)
	s.logger.Warn("process still running after grace period, killing",
		"job_id", id,
		"pid", pid,
		"descendants", len(tree),
	)
	metrics.ProcessesKilled.Inc()

	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("failed to kill process", "job_id", id, "error", err)
	}
	for _, p := range tree {
		if running, err := p.IsRunning(); err == nil && running {
			_ = p.Kill()
		}
	}
}

// Live reports whether id currently has a process handle.
func (s *Supervisor) Live(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id]
	return ok
}

// LiveCount returns the number of live process handles.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Wait blocks until every started process has been reaped and reported.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Classify maps a process exit to the terminal job status and its reason.
func Classify(exit Exit) (domain.JobStatus, string) {
	switch {
	case exit.Err == nil && exit.Code == 0:
		return domain.JobStatusCompleted, ""
	case exit.Code == CancelExitCode:
		return domain.JobStatusCancelled, ""
	case exit.Err != nil:
		return domain.JobStatusFailed, exit.Err.Error()
	}
	return domain.JobStatusFailed, (&errpkg.ExitError{Code: exit.Code, Message: exit.Stderr}).Error()
}

func exitFromWait(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Exit{Code: int(ws.Signal())}
		}
		return Exit{Code: exitErr.ExitCode()}
	}
	return Exit{Code: -1, Err: err}
}

// pump emits every line of r. After a scan error the rest of the stream is
// discarded so the writer never blocks on a full pipe.
func pump(r io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuf), maxLineBytes)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string) {
	if b.Len() >= maxStderrKeep {
		return
	}
	toWrite := line + "\n"
	if remain := maxStderrKeep - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

func descendants(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 && len(out) < maxTreeWalk {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}
