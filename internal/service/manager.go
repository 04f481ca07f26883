package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veranemoloko/media-downloader/internal/domain"
	errpkg "github.com/veranemoloko/media-downloader/internal/errors"
	"github.com/veranemoloko/media-downloader/internal/metrics"
	"github.com/veranemoloko/media-downloader/internal/worker"
	"github.com/veranemoloko/media-downloader/internal/ytdlp"
)

// Launcher starts and stops the processes behind admitted jobs.
type Launcher interface {
	Launch(job domain.Job, sink worker.Sink) error
	Terminate(id uuid.UUID) bool
	TerminateAll() []uuid.UUID
	LiveCount() int
	Wait(ctx context.Context) error
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	MaxConcurrent   int
	Retention       time.Duration
	PurgeInterval   time.Duration
	PurgeDelay      time.Duration
	BulkCancelDelay time.Duration
	LogLines        int
}

const (
	defaultMaxConcurrent   = 3
	defaultRetention       = 30 * time.Minute
	defaultPurgeInterval   = time.Minute
	defaultPurgeDelay      = 5 * time.Second
	defaultBulkCancelDelay = time.Second
	defaultLogLines        = 1000

	eventBuffer      = 256
	subscriberBuffer = 64
)

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = defaultMaxConcurrent
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = defaultPurgeInterval
	}
	if o.PurgeDelay <= 0 {
		o.PurgeDelay = defaultPurgeDelay
	}
	if o.BulkCancelDelay <= 0 {
		o.BulkCancelDelay = defaultBulkCancelDelay
	}
	if o.LogLines <= 0 {
		o.LogLines = defaultLogLines
	}
	return o
}

// Manager owns the job list and admits queued jobs to the launcher while
// respecting the concurrency cap. Every read and write of the job list, the
// rolling log and the subscriber set happens on the run goroutine; other
// goroutines only post events to it.
type Manager struct {
	opts     Options
	launcher Launcher
	logger   *slog.Logger

	events   chan any
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// owned by run
	jobs    []*domain.Job
	logs    []string
	subs      map[int]chan domain.Event
	lifecycle map[int]*eventQueue
	nextSub   int
	closing   bool
}

// NewManager creates a Manager and starts its update loop.
func NewManager(opts Options, launcher Launcher, logger *slog.Logger) *Manager {
	m := &Manager{
		opts:     opts.withDefaults(),
		launcher: launcher,
		logger:   logger,
		events:   make(chan any, eventBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:      make(map[int]chan domain.Event),
		lifecycle: make(map[int]*eventQueue),
	}
	go m.run()

	m.logger.Info("queue manager started",
		"max_concurrent", m.opts.MaxConcurrent,
		"retention", m.opts.Retention,
	)
	return m
}

type (
	submitEvent struct {
		req   domain.Request
		reply chan<- submitResult
	}
	submitResult struct {
		job domain.Job
		err error
	}
	cancelEvent struct {
		id    uuid.UUID
		reply chan<- error
	}
	cancelAllEvent struct {
		reply chan<- int
	}
	purgeEvent struct {
		all   bool
		reply chan<- int
	}
	removeEvent struct {
		id    uuid.UUID
		reply chan<- error
	}
	listEvent struct {
		reply chan<- []domain.Job
	}
	getEvent struct {
		id    uuid.UUID
		reply chan<- getResult
	}
	getResult struct {
		job domain.Job
		err error
	}
	logsEvent struct {
		reply chan<- []string
	}
	statsEvent struct {
		reply chan<- domain.Stats
	}
	subscribeEvent struct {
		lossless bool
		reply    chan<- subscription
	}
	subscription struct {
		id int
		ch <-chan domain.Event
	}
	unsubscribeEvent struct {
		id int
	}
	drainEvent struct {
		reply chan<- int
	}
	admitEvent  struct{}
	outputEvent struct {
		id     uuid.UUID
		stream ytdlp.Stream
		line   string
	}
	exitEvent struct {
		id   uuid.UUID
		exit worker.Exit
	}
)

// Submit creates a queued job for req and runs admission. The returned
// snapshot already reflects whether the job was admitted.
func (m *Manager) Submit(ctx context.Context, req domain.Request) (domain.Job, error) {
	res, err := request(ctx, m, func(reply chan<- submitResult) any {
		return submitEvent{req: req.WithDefaults(), reply: reply}
	})
	if err != nil {
		return domain.Job{}, err
	}
	return res.job, res.err
}

// Cancel stops a job. Cancelling a terminal job is a no-op.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	err, reqErr := request(ctx, m, func(reply chan<- error) any {
		return cancelEvent{id: id, reply: reply}
	})
	if reqErr != nil {
		return reqErr
	}
	return err
}

// CancelAll cancels every job that has a live process and returns how many
// were cancelled. Admission resumes after the bulk-cancel delay.
func (m *Manager) CancelAll(ctx context.Context) (int, error) {
	return request(ctx, m, func(reply chan<- int) any {
		return cancelAllEvent{reply: reply}
	})
}

// PurgeTerminal removes every terminal job and returns how many were removed.
func (m *Manager) PurgeTerminal(ctx context.Context) (int, error) {
	return request(ctx, m, func(reply chan<- int) any {
		return purgeEvent{all: true, reply: reply}
	})
}

// Remove drops a single terminal job from the list.
func (m *Manager) Remove(ctx context.Context, id uuid.UUID) error {
	err, reqErr := request(ctx, m, func(reply chan<- error) any {
		return removeEvent{id: id, reply: reply}
	})
	if reqErr != nil {
		return reqErr
	}
	return err
}

// Jobs returns snapshots of all jobs in submission order.
func (m *Manager) Jobs(ctx context.Context) ([]domain.Job, error) {
	return request(ctx, m, func(reply chan<- []domain.Job) any {
		return listEvent{reply: reply}
	})
}

// Job returns a snapshot of one job.
func (m *Manager) Job(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	res, err := request(ctx, m, func(reply chan<- getResult) any {
		return getEvent{id: id, reply: reply}
	})
	if err != nil {
		return domain.Job{}, err
	}
	return res.job, res.err
}

// Logs returns a copy of the rolling output log, oldest line first.
func (m *Manager) Logs(ctx context.Context) ([]string, error) {
	return request(ctx, m, func(reply chan<- []string) any {
		return logsEvent{reply: reply}
	})
}

// Stats returns job counts by status and the number of live processes.
func (m *Manager) Stats(ctx context.Context) (domain.Stats, error) {
	return request(ctx, m, func(reply chan<- domain.Stats) any {
		return statsEvent{reply: reply}
	})
}

// Subscribe returns a channel of job events and a function that ends the
// subscription. Events are dropped for subscribers that fall behind. The
// channel is closed on unsubscribe or shutdown.
func (m *Manager) Subscribe() (<-chan domain.Event, func()) {
	return m.subscribe(false)
}

// SubscribeLifecycle returns a channel carrying only submitted, status and
// removed events. None of them is ever dropped; a slow reader only delays
// its own delivery. On shutdown the pending events are delivered before the
// channel is closed; on unsubscribe they are discarded.
func (m *Manager) SubscribeLifecycle() (<-chan domain.Event, func()) {
	return m.subscribe(true)
}

func (m *Manager) subscribe(lossless bool) (<-chan domain.Event, func()) {
	sub, err := request(context.Background(), m, func(reply chan<- subscription) any {
		return subscribeEvent{lossless: lossless, reply: reply}
	})
	if err != nil {
		ch := make(chan domain.Event)
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { m.post(unsubscribeEvent{id: sub.id}) })
	}
}

// Shutdown stops admission, cancels running jobs, waits until every process
// has been reaped and stops the update loop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down queue manager")

	cancelled, err := request(ctx, m, func(reply chan<- int) any {
		return drainEvent{reply: reply}
	})
	if err != nil && !errors.Is(err, errpkg.ErrShuttingDown) {
		return err
	}
	if cancelled > 0 {
		m.logger.Info("cancelled running jobs for shutdown", "count", cancelled)
	}

	waitErr := m.launcher.Wait(ctx)

	m.stopOnce.Do(func() { close(m.quit) })
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if waitErr != nil {
		m.logger.Warn("queue manager shutdown timed out", "error", waitErr)
		return waitErr
	}
	m.logger.Info("queue manager shutdown completed")
	return nil
}

// Output implements worker.Sink.
func (m *Manager) Output(id uuid.UUID, stream ytdlp.Stream, line string) {
	m.post(outputEvent{id: id, stream: stream, line: line})
}

// Exited implements worker.Sink.
func (m *Manager) Exited(id uuid.UUID, exit worker.Exit) {
	m.post(exitEvent{id: id, exit: exit})
}

func request[T any](ctx context.Context, m *Manager, build func(chan<- T) any) (T, error) {
	var zero T
	reply := make(chan T, 1)

	select {
	case m.events <- build(reply):
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.quit:
		return zero, errpkg.ErrShuttingDown
	}

	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.done:
		return zero, errpkg.ErrShuttingDown
	}
}

func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

func (m *Manager) postAfter(d time.Duration, ev any) {
	time.AfterFunc(d, func() { m.post(ev) })
}

func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-ticker.C:
			m.purge(false)
		case <-m.quit:
			for id, ch := range m.subs {
				close(ch)
				delete(m.subs, id)
			}
			for id, q := range m.lifecycle {
				q.close()
				delete(m.lifecycle, id)
			}
			return
		}
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case outputEvent:
		m.handleOutput(ev)
	case exitEvent:
		m.handleExit(ev)
	case submitEvent:
		ev.reply <- m.handleSubmit(ev.req)
	case cancelEvent:
		ev.reply <- m.handleCancel(ev.id)
	case cancelAllEvent:
		ev.reply <- m.handleCancelAll()
	case purgeEvent:
		n := m.purge(ev.all)
		if ev.reply != nil {
			ev.reply <- n
		}
	case removeEvent:
		ev.reply <- m.handleRemove(ev.id)
	case listEvent:
		jobs := make([]domain.Job, 0, len(m.jobs))
		for _, job := range m.jobs {
			jobs = append(jobs, job.Clone())
		}
		ev.reply <- jobs
	case getEvent:
		if job := m.find(ev.id); job != nil {
			ev.reply <- getResult{job: job.Clone()}
		} else {
			ev.reply <- getResult{err: errpkg.ErrJobNotFound}
		}
	case logsEvent:
		ev.reply <- append([]string(nil), m.logs...)
	case statsEvent:
		ev.reply <- m.stats()
	case subscribeEvent:
		m.nextSub++
		if ev.lossless {
			q := newEventQueue()
			m.lifecycle[m.nextSub] = q
			ev.reply <- subscription{id: m.nextSub, ch: q.out}
			break
		}
		ch := make(chan domain.Event, subscriberBuffer)
		m.subs[m.nextSub] = ch
		ev.reply <- subscription{id: m.nextSub, ch: ch}
	case unsubscribeEvent:
		if ch, ok := m.subs[ev.id]; ok {
			close(ch)
			delete(m.subs, ev.id)
		}
		if q, ok := m.lifecycle[ev.id]; ok {
			q.abandon()
			delete(m.lifecycle, ev.id)
		}
	case admitEvent:
		m.admit()
	case drainEvent:
		m.closing = true
		ev.reply <- m.handleCancelAll()
	default:
		m.logger.Error("unknown event", "event", ev)
	}
}

func (m *Manager) handleSubmit(req domain.Request) submitResult {
	if m.closing {
		return submitResult{err: errpkg.ErrShuttingDown}
	}

	job := domain.NewJob(req, time.Now())
	m.jobs = append(m.jobs, job)
	metrics.JobsSubmitted.Inc()
	m.publish(domain.EventSubmitted, job, "")

	m.logger.Info("job queued",
		"job_id", job.ID,
		"url", job.URL,
		"mode", job.Mode,
	)

	m.admit()
	return submitResult{job: job.Clone()}
}

// admit starts queued jobs in submission order until the cap is reached.
// A job is marked downloading before its launch so it holds its slot.
func (m *Manager) admit() {
	defer m.updateGauges()
	if m.closing {
		return
	}

	for m.count(domain.JobStatusDownloading) < m.opts.MaxConcurrent {
		job := m.nextQueued()
		if job == nil {
			return
		}

		if !m.setStatus(job, domain.JobStatusDownloading, "") {
			return
		}
		job.StartedAt = time.Now()
		m.publish(domain.EventStatus, job, "")

		if err := m.launcher.Launch(job.Clone(), m); err != nil {
			m.logger.Error("failed to launch download", "job_id", job.ID, "error", err)
			m.finish(job, domain.JobStatusFailed, err.Error())
		}
	}
}

func (m *Manager) handleOutput(ev outputEvent) {
	job := m.find(ev.id)
	prefix := "[" + domain.ShortID(ev.id) + "]"
	if ev.stream == ytdlp.StreamStderr {
		prefix += " stderr"
	}
	line := prefix + ": " + strings.TrimRight(ev.line, " \t")
	m.appendLog(line)

	if job == nil {
		return
	}
	m.publish(domain.EventLog, job, line)

	if ev.stream != ytdlp.StreamStdout || job.Status != domain.JobStatusDownloading {
		return
	}
	if update, ok := ytdlp.ParseProgress(ev.line); ok {
		job.Progress = job.Progress.Merge(update)
		m.publish(domain.EventProgress, job, "")
	}
}

func (m *Manager) handleExit(ev exitEvent) {
	defer m.admit()

	job := m.find(ev.id)
	if job == nil || job.Status.IsTerminal() {
		m.logger.Debug("exit for finished job ignored", "job_id", ev.id, "exit_code", ev.exit.Code)
		return
	}

	status, reason := worker.Classify(ev.exit)
	m.finish(job, status, reason)
}

func (m *Manager) handleCancel(id uuid.UUID) error {
	job := m.find(id)
	if job == nil {
		return errpkg.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.Status == domain.JobStatusDownloading {
		if !m.launcher.Terminate(id) {
			m.logger.Debug("no live process for cancelled job", "job_id", id)
		}
	}
	m.finish(job, domain.JobStatusCancelled, "")
	m.admit()
	return nil
}

func (m *Manager) handleCancelAll() int {
	cancelled := 0
	for _, id := range m.launcher.TerminateAll() {
		job := m.find(id)
		if job == nil || job.Status.IsTerminal() {
			continue
		}
		m.finish(job, domain.JobStatusCancelled, "")
		cancelled++
	}

	m.logger.Info("cancelled all running jobs", "count", cancelled)
	m.postAfter(m.opts.BulkCancelDelay, admitEvent{})
	return cancelled
}

func (m *Manager) handleRemove(id uuid.UUID) error {
	for i, job := range m.jobs {
		if job.ID != id {
			continue
		}
		if !job.Status.IsTerminal() {
			return errpkg.ErrJobNotTerminal
		}
		m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
		m.publish(domain.EventRemoved, job, "")
		return nil
	}
	return errpkg.ErrJobNotFound
}

// purge drops terminal jobs. Without all, only jobs that finished longer
// than the retention window ago are dropped.
func (m *Manager) purge(all bool) int {
	cutoff := time.Now().Add(-m.opts.Retention)
	kept := m.jobs[:0]
	var removed []*domain.Job
	for _, job := range m.jobs {
		if job.Status.IsTerminal() && (all || job.FinishedAt.Before(cutoff)) {
			removed = append(removed, job)
			continue
		}
		kept = append(kept, job)
	}
	for i := len(kept); i < len(m.jobs); i++ {
		m.jobs[i] = nil
	}
	m.jobs = kept

	for _, job := range removed {
		m.publish(domain.EventRemoved, job, "")
	}
	if len(removed) > 0 {
		m.logger.Info("purged finished jobs", "count", len(removed), "all", all)
	}
	return len(removed)
}

func (m *Manager) finish(job *domain.Job, status domain.JobStatus, reason string) {
	if !m.setStatus(job, status, reason) {
		return
	}
	job.FinishedAt = time.Now()
	if status == domain.JobStatusCompleted {
		job.Progress.Percent = 1
	}
	m.publish(domain.EventStatus, job, "")

	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	if !job.StartedAt.IsZero() {
		metrics.JobDuration.Observe(job.FinishedAt.Sub(job.StartedAt).Seconds())
	}

	attrs := []any{"job_id", job.ID, "status", status}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	if status == domain.JobStatusFailed {
		m.logger.Warn("job finished", attrs...)
	} else {
		m.logger.Info("job finished", attrs...)
	}

	m.updateGauges()
	m.postAfter(m.opts.PurgeDelay, purgeEvent{})
}

func (m *Manager) setStatus(job *domain.Job, status domain.JobStatus, reason string) bool {
	if err := domain.Transition(job, status, reason); err != nil {
		m.logger.Error("rejected status change", "job_id", job.ID, "error", err)
		return false
	}
	return true
}

func (m *Manager) publish(t domain.EventType, job *domain.Job, line string) {
	if len(m.subs) == 0 && len(m.lifecycle) == 0 {
		return
	}
	ev := domain.Event{Type: t, Job: job.Clone(), Line: line}
	if t.IsLifecycle() {
		for _, q := range m.lifecycle {
			q.push(ev)
		}
	}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) appendLog(line string) {
	m.logs = append(m.logs, line)
	if over := len(m.logs) - m.opts.LogLines; over > 0 {
		m.logs = append(m.logs[:0], m.logs[over:]...)
	}
}

func (m *Manager) find(id uuid.UUID) *domain.Job {
	for _, job := range m.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func (m *Manager) nextQueued() *domain.Job {
	for _, job := range m.jobs {
		if job.Status == domain.JobStatusQueued {
			return job
		}
	}
	return nil
}

func (m *Manager) count(status domain.JobStatus) int {
	n := 0
	for _, job := range m.jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}

func (m *Manager) stats() domain.Stats {
	st := domain.Stats{
		LiveHandles: m.launcher.LiveCount(),
		Subscribers: len(m.subs) + len(m.lifecycle),
	}
	for _, job := range m.jobs {
		switch job.Status {
		case domain.JobStatusQueued:
			st.Queued++
		case domain.JobStatusDownloading:
			st.Downloading++
		case domain.JobStatusCompleted:
			st.Completed++
		case domain.JobStatusFailed:
			st.Failed++
		case domain.JobStatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

func (m *Manager) updateGauges() {
	metrics.JobsDownloading.Set(float64(m.count(domain.JobStatusDownloading)))
	metrics.JobsQueued.Set(float64(m.count(domain.JobStatusQueued)))
}
