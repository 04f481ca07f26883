package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/media-downloader/internal/domain"
	errpkg "github.com/veranemoloko/media-downloader/internal/errors"
	"github.com/veranemoloko/media-downloader/internal/worker"
	"github.com/veranemoloko/media-downloader/internal/ytdlp"
)

// fakeLauncher records launches and keeps a handle for every launched job
// until the test reports its exit.
type fakeLauncher struct {
	mu         sync.Mutex
	launched   []uuid.UUID
	terminated []uuid.UUID
	live       map[uuid.UUID]worker.Sink
	failNext   error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{live: make(map[uuid.UUID]worker.Sink)}
}

func (f *fakeLauncher) Launch(job domain.Job, sink worker.Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.launched = append(f.launched, job.ID)
	f.live[job.ID] = sink
	return nil
}

func (f *fakeLauncher) Terminate(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return false
	}
	f.terminated = append(f.terminated, id)
	return true
}

func (f *fakeLauncher) TerminateAll() []uuid.UUID {
	f.mu.Lock()
	ids := make([]uuid.UUID, 0, len(f.live))
	for id := range f.live {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.Terminate(id)
	}
	return ids
}

func (f *fakeLauncher) LiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func (f *fakeLauncher) Wait(ctx context.Context) error { return nil }

// exit reaps the fake process of id and reports it the way the supervisor
// does: handle removed first, then the sink is told.
func (f *fakeLauncher) exit(t *testing.T, id uuid.UUID, exit worker.Exit) {
	t.Helper()
	f.mu.Lock()
	sink, ok := f.live[id]
	delete(f.live, id)
	f.mu.Unlock()
	require.True(t, ok, "no live process for %s", id)
	sink.Exited(id, exit)
}

func (f *fakeLauncher) launchedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.launched...)
}

func (f *fakeLauncher) terminatedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.terminated...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting condition")
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeLauncher) {
	t.Helper()
	fl := newFakeLauncher()
	m := NewManager(opts, fl, newTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, fl
}

func videoRequest(url string) domain.Request {
	return domain.Request{URL: url, Mode: domain.ModeVideo, OutputDir: "/tmp/out"}
}

func submit(t *testing.T, m *Manager, url string) domain.Job {
	t.Helper()
	job, err := m.Submit(context.Background(), videoRequest(url))
	require.NoError(t, err)
	return job
}

func getJob(t *testing.T, m *Manager, id uuid.UUID) domain.Job {
	t.Helper()
	job, err := m.Job(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestManager_SubmitRespectsCap(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 3})

	var jobs []domain.Job
	for i := 0; i < 5; i++ {
		jobs = append(jobs, submit(t, m, "https://example.com/v"))
	}

	for i, job := range jobs {
		want := domain.JobStatusDownloading
		if i >= 3 {
			want = domain.JobStatusQueued
		}
		assert.Equal(t, want, job.Status, "job %d", i)
	}

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Downloading)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 3, stats.LiveHandles)
	assert.Len(t, fl.launchedIDs(), 3)
}

func TestManager_AdmitsInSubmissionOrder(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 2})

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		ids = append(ids, submit(t, m, "https://example.com/v").ID)
	}

	fl.exit(t, ids[1], worker.Exit{Code: 0})
	assert.Equal(t, domain.JobStatusDownloading, getJob(t, m, ids[2]).Status)
	assert.Equal(t, domain.JobStatusQueued, getJob(t, m, ids[3]).Status)

	assert.Equal(t, ids[:3], fl.launchedIDs())
}

func TestManager_SequentialWithCapOne(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 1})

	a := submit(t, m, "https://example.com/a")
	b := submit(t, m, "https://example.com/b")
	assert.Equal(t, domain.JobStatusDownloading, a.Status)
	assert.Equal(t, domain.JobStatusQueued, b.Status)

	fl.exit(t, a.ID, worker.Exit{Code: 0})

	gotA := getJob(t, m, a.ID)
	assert.Equal(t, domain.JobStatusCompleted, gotA.Status)
	assert.Equal(t, 1.0, gotA.Progress.Percent)
	assert.False(t, gotA.FinishedAt.IsZero())
	assert.Equal(t, domain.JobStatusDownloading, getJob(t, m, b.ID).Status)

	fl.exit(t, b.ID, worker.Exit{Code: 0})
	assert.Equal(t, domain.JobStatusCompleted, getJob(t, m, b.ID).Status)
	assert.Equal(t, 0, fl.LiveCount())
}

func TestManager_ExitClassification(t *testing.T) {
	tests := []struct {
		name       string
		exit       worker.Exit
		wantStatus domain.JobStatus
		wantReason string
	}{
		{"success", worker.Exit{Code: 0}, domain.JobStatusCompleted, ""},
		{"sigterm", worker.Exit{Code: worker.CancelExitCode}, domain.JobStatusCancelled, ""},
		{"stderr reason", worker.Exit{Code: 1, Stderr: "ERROR: Unsupported URL"}, domain.JobStatusFailed, "ERROR: Unsupported URL"},
		{"no stderr", worker.Exit{Code: 2}, domain.JobStatusFailed, "download failed with exit code: 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fl := newTestManager(t, Options{MaxConcurrent: 1})
			job := submit(t, m, "https://example.com/v")

			fl.exit(t, job.ID, tt.exit)

			got := getJob(t, m, job.ID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantReason, got.Reason)
		})
	}
}

func TestManager_CancelQueued(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	running := submit(t, m, "https://example.com/a")
	queued := submit(t, m, "https://example.com/b")

	require.NoError(t, m.Cancel(ctx, queued.ID))
	assert.Equal(t, domain.JobStatusCancelled, getJob(t, m, queued.ID).Status)
	assert.Empty(t, fl.terminatedIDs())

	// freeing the slot must not resurrect the cancelled job
	fl.exit(t, running.ID, worker.Exit{Code: 0})
	assert.Equal(t, domain.JobStatusCancelled, getJob(t, m, queued.ID).Status)
	assert.Equal(t, []uuid.UUID{running.ID}, fl.launchedIDs())
}

func TestManager_CancelDownloading(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	a := submit(t, m, "https://example.com/a")
	b := submit(t, m, "https://example.com/b")

	require.NoError(t, m.Cancel(ctx, a.ID))
	assert.Equal(t, []uuid.UUID{a.ID}, fl.terminatedIDs())
	assert.Equal(t, domain.JobStatusCancelled, getJob(t, m, a.ID).Status)
	assert.Equal(t, domain.JobStatusDownloading, getJob(t, m, b.ID).Status)

	// a second cancel is a no-op
	require.NoError(t, m.Cancel(ctx, a.ID))
	assert.Len(t, fl.terminatedIDs(), 1)

	// the late exit of the cancelled process changes nothing
	fl.exit(t, a.ID, worker.Exit{Code: 1, Stderr: "interrupted"})
	got := getJob(t, m, a.ID)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)
	assert.Empty(t, got.Reason)
	assert.Equal(t, domain.JobStatusDownloading, getJob(t, m, b.ID).Status)
}

func TestManager_CancelUnknown(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	err := m.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, errpkg.ErrJobNotFound)
}

func TestManager_CancelCompletedIsNoop(t *testing.T) {
	m, fl := newTestManager(t, Options{})
	job := submit(t, m, "https://example.com/v")
	fl.exit(t, job.ID, worker.Exit{Code: 0})

	require.NoError(t, m.Cancel(context.Background(), job.ID))
	assert.Equal(t, domain.JobStatusCompleted, getJob(t, m, job.ID).Status)
	assert.Empty(t, fl.terminatedIDs())
}

func TestManager_LaunchFailureMarksFailed(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 1})
	fl.failNext = errors.New("yt-dlp executable not found")

	failed := submit(t, m, "https://example.com/a")
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, "yt-dlp executable not found", failed.Reason)

	next := submit(t, m, "https://example.com/b")
	assert.Equal(t, domain.JobStatusDownloading, next.Status)
}

func TestManager_ProgressMerge(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 1})

	job := submit(t, m, "https://example.com/a")
	queued := submit(t, m, "https://example.com/b")

	m.Output(job.ID, ytdlp.StreamStdout, "[download] Destination: /tmp/out/My Video.mp4")
	m.Output(job.ID, ytdlp.StreamStdout, "[download]  45.2% of 10.00MiB at 1.00MiB/s ETA 00:05")
	m.Output(job.ID, ytdlp.StreamStdout, "[download]  50.0%")
	m.Output(queued.ID, ytdlp.StreamStdout, "[download]  80.0% of 10.00MiB")

	got := getJob(t, m, job.ID)
	assert.InDelta(t, 0.5, got.Progress.Percent, 1e-9)
	assert.Equal(t, "1.00MiB/s", got.Progress.Speed)
	assert.Equal(t, "00:05", got.Progress.ETA)
	assert.Equal(t, "10.00MiB", got.Progress.TotalSize)
	assert.Equal(t, "My Video.mp4", got.Progress.Filename)

	assert.Zero(t, getJob(t, m, queued.ID).Progress.Percent, "queued jobs ignore progress")

	fl.exit(t, job.ID, worker.Exit{Code: 0})
	assert.Equal(t, 1.0, getJob(t, m, job.ID).Progress.Percent)
}

func TestManager_StderrDoesNotUpdateProgress(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	job := submit(t, m, "https://example.com/a")

	m.Output(job.ID, ytdlp.StreamStderr, "WARNING: 99.0% sure this is fine")
	assert.Zero(t, getJob(t, m, job.ID).Progress.Percent)
}

func TestManager_RollingLog(t *testing.T) {
	m, _ := newTestManager(t, Options{LogLines: 2})
	job := submit(t, m, "https://example.com/a")

	m.Output(job.ID, ytdlp.StreamStdout, "first")
	m.Output(job.ID, ytdlp.StreamStdout, "second")
	m.Output(job.ID, ytdlp.StreamStderr, "third")

	logs, err := m.Logs(context.Background())
	require.NoError(t, err)
	prefix := "[" + domain.ShortID(job.ID) + "]"
	assert.Equal(t, []string{prefix + ": second", prefix + " stderr: third"}, logs)
}

func TestManager_RemoveAndPurge(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 2})
	ctx := context.Background()

	a := submit(t, m, "https://example.com/a")
	b := submit(t, m, "https://example.com/b")

	assert.ErrorIs(t, m.Remove(ctx, a.ID), errpkg.ErrJobNotTerminal)
	assert.ErrorIs(t, m.Remove(ctx, uuid.New()), errpkg.ErrJobNotFound)

	fl.exit(t, a.ID, worker.Exit{Code: 0})
	require.NoError(t, m.Remove(ctx, a.ID))
	_, err := m.Job(ctx, a.ID)
	assert.ErrorIs(t, err, errpkg.ErrJobNotFound)

	n, err := m.PurgeTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	fl.exit(t, b.ID, worker.Exit{Code: 1})
	n, err = m.PurgeTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := m.Jobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestManager_ExpiredJobsArePurged(t *testing.T) {
	m, fl := newTestManager(t, Options{
		Retention:  time.Millisecond,
		PurgeDelay: 20 * time.Millisecond,
	})

	job := submit(t, m, "https://example.com/a")
	fl.exit(t, job.ID, worker.Exit{Code: 0})

	waitFor(t, 2*time.Second, func() bool {
		jobs, err := m.Jobs(context.Background())
		return err == nil && len(jobs) == 0
	})
}

func TestManager_CancelAll(t *testing.T) {
	m, fl := newTestManager(t, Options{
		MaxConcurrent:   2,
		BulkCancelDelay: 50 * time.Millisecond,
	})
	ctx := context.Background()

	a := submit(t, m, "https://example.com/a")
	b := submit(t, m, "https://example.com/b")
	c := submit(t, m, "https://example.com/c")

	n, err := m.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, fl.terminatedIDs())
	assert.Equal(t, domain.JobStatusCancelled, getJob(t, m, a.ID).Status)
	assert.Equal(t, domain.JobStatusCancelled, getJob(t, m, b.ID).Status)
	assert.Equal(t, domain.JobStatusQueued, getJob(t, m, c.ID).Status)

	waitFor(t, 2*time.Second, func() bool {
		return getJob(t, m, c.ID).Status == domain.JobStatusDownloading
	})
}

func TestManager_Subscribe(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 1})

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	job := submit(t, m, "https://example.com/a")
	fl.exit(t, job.ID, worker.Exit{Code: 0})

	want := []struct {
		typ    domain.EventType
		status domain.JobStatus
	}{
		{domain.EventSubmitted, domain.JobStatusQueued},
		{domain.EventStatus, domain.JobStatusDownloading},
		{domain.EventStatus, domain.JobStatusCompleted},
	}
	for _, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, w.typ, ev.Type)
			assert.Equal(t, w.status, ev.Job.Status)
			assert.Equal(t, job.ID, ev.Job.ID)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s event", w.typ)
		}
	}

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Subscribers)
}

func TestManager_Shutdown(t *testing.T) {
	fl := newFakeLauncher()
	m := NewManager(Options{MaxConcurrent: 1}, fl, newTestLogger())

	events, _ := m.Subscribe()
	running := submit(t, m, "https://example.com/a")
	queued := submit(t, m, "https://example.com/b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, []uuid.UUID{running.ID}, fl.terminatedIDs())
	assert.Equal(t, []uuid.UUID{running.ID}, fl.launchedIDs(), "queued job is never admitted")

	_, err := m.Submit(context.Background(), videoRequest("https://example.com/c"))
	assert.ErrorIs(t, err, errpkg.ErrShuttingDown)
	_, err = m.Job(context.Background(), queued.ID)
	assert.ErrorIs(t, err, errpkg.ErrShuttingDown)

	// drain buffered events until the channel is closed
	for range events {
	}
}

func TestManager_LifecycleSurvivesOutputFlood(t *testing.T) {
	m, fl := newTestManager(t, Options{MaxConcurrent: 1})

	lossy, stopLossy := m.Subscribe()
	defer stopLossy()
	events, unsubscribe := m.SubscribeLifecycle()
	defer unsubscribe()

	job := submit(t, m, "https://example.com/a")
	for i := 0; i < 200; i++ {
		m.Output(job.ID, ytdlp.StreamStdout, fmt.Sprintf("[download] %d.0%% of 10.00MiB", i%100))
	}
	fl.exit(t, job.ID, worker.Exit{Code: 0})
	require.Equal(t, domain.JobStatusCompleted, getJob(t, m, job.ID).Status)

	want := []struct {
		typ    domain.EventType
		status domain.JobStatus
	}{
		{domain.EventSubmitted, domain.JobStatusQueued},
		{domain.EventStatus, domain.JobStatusDownloading},
		{domain.EventStatus, domain.JobStatusCompleted},
	}
	for _, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, w.typ, ev.Type)
			assert.Equal(t, w.status, ev.Job.Status)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s/%s event", w.typ, w.status)
		}
	}

	// the bounded subscriber filled up and dropped the rest
	assert.Len(t, lossy, subscriberBuffer)

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Subscribers)
}

func TestManager_LifecycleDeliveredBeforeShutdownClose(t *testing.T) {
	fl := newFakeLauncher()
	m := NewManager(Options{MaxConcurrent: 1}, fl, newTestLogger())
	events, _ := m.SubscribeLifecycle()

	job := submit(t, m, "https://example.com/a")
	fl.exit(t, job.ID, worker.Exit{Code: 0})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	var got []domain.JobStatus
	for ev := range events {
		got = append(got, ev.Job.Status)
	}
	assert.Equal(t, []domain.JobStatus{
		domain.JobStatusQueued,
		domain.JobStatusDownloading,
		domain.JobStatusCompleted,
	}, got)
}

func TestManager_LifecycleUnsubscribeClosesChannel(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	events, unsubscribe := m.SubscribeLifecycle()

	submit(t, m, "https://example.com/a")
	unsubscribe()
	unsubscribe()

	waitFor(t, time.Second, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	})
}
