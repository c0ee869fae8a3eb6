package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"libraryapi/internal/blob"
	"libraryapi/internal/metrics"
	"libraryapi/internal/notify"

	"github.com/google/uuid"
)

type SchedulerConfig struct {
	Workers    int
	QueueSize  int
	MaxRetries int           // retries after the first attempt
	RetryBase  time.Duration // delay before the first retry, doubled each time
	// Lease is how long another instance waits for a silent owner before
	// taking over its unfinished runs.
	Lease      time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	return c
}

// backoff returns the wait before retry n (1-based): base, 2·base, 4·base...
func backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base << (n - 1)
}

type SubmitRequest struct {
	File          string
	BlobKey       string
	NotifyAddress string
	SubmittedBy   string
}

// Scheduler runs import tasks on a fixed pool of workers and owns the
// retry policy. Each task reads its file from blob storage; the file is
// deleted once the run reaches SUCCEEDED or FAILED.
//
// Several schedulers may share one RunRepository. A run belongs to the
// instance that submitted or claimed it, and only that instance executes it.
type Scheduler struct {
	owner     string
	processor Processor
	runs      RunRepository
	blobs     blob.Store
	notifier  *notify.Async
	cfg       SchedulerConfig
	now       func() time.Time

	queue chan string

	mu        sync.Mutex
	timers    map[string]*time.Timer
	running   map[string]context.CancelFunc
	cancelled map[string]bool
	stop      context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewScheduler(p Processor, runs RunRepository, blobs blob.Store, n *notify.Async, cfg SchedulerConfig) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		owner:     uuid.NewString(),
		processor: p,
		runs:      runs,
		blobs:     blobs,
		notifier:  n,
		cfg:       cfg,
		now:       time.Now,
		queue:     make(chan string, cfg.QueueSize),
		timers:    make(map[string]*time.Timer),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// Start launches the workers and the heartbeat, then recovers runs
// abandoned by instances that are gone.
func (s *Scheduler) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.stop = cancel
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx)
	}
	s.wg.Add(1)
	go s.heartbeat(workerCtx)
	return s.Recover(ctx)
}

// Stop cancels running tasks, drops pending timers and waits for workers.
// A task interrupted by Stop ends FAILED with its partial report.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	s.stop()
	s.stop = nil
	close(s.done)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Recover claims unfinished runs whose owner stopped heartbeating more than
// one lease ago and resumes them here. Runs of live instances are skipped.
func (s *Scheduler) Recover(ctx context.Context) error {
	runs, err := s.runs.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished runs: %w", err)
	}
	now := s.now()
	for _, run := range runs {
		if run.Owner == s.owner {
			continue
		}
		claimed, err := s.runs.ClaimRun(ctx, run.ID, s.owner, now, now.Add(-s.cfg.Lease))
		if err != nil {
			return fmt.Errorf("claim run %s: %w", run.ID, err)
		}
		if !claimed {
			continue
		}
		previous := run.Owner
		run, err = s.runs.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		log.Printf("ingest run=%s status=%s attempts=%d claimed from=%q", run.ID, run.Status, run.Attempts, previous)
		s.resume(ctx, run)
	}
	return nil
}

func (s *Scheduler) resume(ctx context.Context, run Run) {
	switch run.Status {
	case StatusRunning:
		// the interrupted attempt counts
		cause := errors.New("interrupted by restart")
		if run.Attempts > s.cfg.MaxRetries {
			s.fail(ctx, &run, cause)
			return
		}
		s.scheduleRetry(ctx, &run, cause)
	case StatusRetryScheduled:
		if run.NextAttemptAt != nil {
			if wait := run.NextAttemptAt.Sub(s.now()); wait > 0 {
				log.Printf("ingest run=%s retry_in=%s", run.ID, wait)
				s.arm(run.ID, wait)
				return
			}
		}
		s.enqueue(run.ID)
	default:
		s.enqueue(run.ID)
	}
}

func (s *Scheduler) heartbeat(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runs.Heartbeat(ctx, s.owner, s.now()); err != nil {
				log.Printf("ingest owner=%s heartbeat err=%v", s.owner, err)
			}
		}
	}
}

func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (Run, error) {
	now := s.now()
	run := NewRun(req.File, req.BlobKey, req.NotifyAddress, req.SubmittedBy, now)
	run.Owner = s.owner
	run.HeartbeatAt = &now
	if err := s.runs.CreateRun(ctx, &run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	metrics.IngestRuns.WithLabelValues(string(StatusPending)).Inc()
	log.Printf("ingest run=%s status=%s file=%q submitted_by=%s", run.ID, run.Status, run.File, run.SubmittedBy)
	s.enqueue(run.ID)
	return run, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (Run, error) {
	return s.runs.GetRun(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, limit int) ([]Run, error) {
	return s.runs.ListRuns(ctx, limit)
}

// Cancel stops a run. A running attempt finishes its current batch first; a
// queued or scheduled run fails without running again.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}

	s.mu.Lock()
	s.cancelled[id] = true
	if stop, ok := s.running[id]; ok {
		stop()
	}
	timer, scheduled := s.timers[id]
	if scheduled && timer.Stop() {
		delete(s.timers, id)
	} else {
		scheduled = false
	}
	s.mu.Unlock()

	if scheduled {
		// the timer will never fire, so nothing else will finish this run
		s.fail(ctx, &run, errors.New("cancelled"))
	}
	return nil
}

// enqueue never blocks the caller; a full queue is drained in the background.
func (s *Scheduler) enqueue(id string) {
	select {
	case s.queue <- id:
	default:
		go func() {
			select {
			case s.queue <- id:
			case <-s.done:
			}
		}()
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.execute(ctx, id)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		log.Printf("ingest run=%s load err=%v", id, err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	if run.Owner != s.owner {
		log.Printf("ingest run=%s owner=%s skipped", id, run.Owner)
		return
	}

	s.mu.Lock()
	isCancelled := s.cancelled[id]
	s.mu.Unlock()
	if isCancelled {
		s.fail(ctx, &run, errors.New("cancelled"))
		return
	}

	if err := s.setStatus(ctx, &run, StatusRunning); err != nil {
		log.Printf("ingest run=%s start err=%v", id, err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[id] = cancel
	if s.cancelled[id] {
		cancel()
	}
	s.mu.Unlock()
	report, procErr := s.attempt(jobCtx, run)
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
	cancel()

	var schemaErr *SchemaError
	switch {
	case procErr == nil:
		s.succeed(ctx, &run, report)
	case errors.As(procErr, &schemaErr), errors.Is(procErr, context.Canceled):
		run.Report = report
		s.fail(ctx, &run, procErr)
	case run.Attempts > s.cfg.MaxRetries:
		s.fail(ctx, &run, procErr)
	default:
		s.scheduleRetry(ctx, &run, procErr)
	}
}

func (s *Scheduler) attempt(ctx context.Context, run Run) (*Report, error) {
	_, rc, err := s.blobs.Get(ctx, run.BlobKey)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("open upload: %w", err)}
	}
	defer rc.Close()

	report, err := s.processor.Process(ctx, run.ID, run.File, rc)
	return &report, err
}

func (s *Scheduler) setStatus(ctx context.Context, run *Run, to Status) error {
	if err := run.transition(to, s.now()); err != nil {
		return err
	}
	if err := s.runs.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	metrics.IngestRuns.WithLabelValues(string(to)).Inc()
	log.Printf("ingest run=%s status=%s attempts=%d", run.ID, run.Status, run.Attempts)
	return nil
}

func (s *Scheduler) succeed(ctx context.Context, run *Run, report *Report) {
	run.Report = report
	run.Error = ""
	if err := s.setStatus(ctx, run, StatusSucceeded); err != nil {
		log.Printf("ingest run=%s finish err=%v", run.ID, err)
	}
	s.finish(ctx, run)
	if run.NotifyAddress != "" && report != nil {
		subject, body := completionMessage(*report)
		s.notifier.Send(ctx, run.NotifyAddress, subject, body)
	}
}

func (s *Scheduler) fail(ctx context.Context, run *Run, cause error) {
	run.Error = cause.Error()
	if err := s.setStatus(ctx, run, StatusFailed); err != nil {
		log.Printf("ingest run=%s fail err=%v", run.ID, err)
	}
	s.finish(ctx, run)
	if run.NotifyAddress != "" {
		subject, body := failureMessage(*run, run.Error)
		s.notifier.Send(ctx, run.NotifyAddress, subject, body)
	}
}

// finish runs once per run, on its terminal path.
func (s *Scheduler) finish(ctx context.Context, run *Run) {
	s.mu.Lock()
	delete(s.cancelled, run.ID)
	s.mu.Unlock()

	deleted, err := s.blobs.Delete(context.WithoutCancel(ctx), run.BlobKey)
	if err != nil {
		log.Printf("ingest run=%s delete upload key=%s err=%v", run.ID, run.BlobKey, err)
		return
	}
	if !deleted {
		log.Printf("ingest run=%s upload key=%s already gone", run.ID, run.BlobKey)
	}
}

func (s *Scheduler) scheduleRetry(ctx context.Context, run *Run, cause error) {
	delay := backoff(s.cfg.RetryBase, run.Attempts)
	next := s.now().Add(delay)
	run.Error = cause.Error()
	run.NextAttemptAt = &next
	if err := s.setStatus(ctx, run, StatusRetryScheduled); err != nil {
		log.Printf("ingest run=%s retry err=%v", run.ID, err)
		return
	}
	log.Printf("ingest run=%s retry_in=%s cause=%q", run.ID, delay, run.Error)
	s.arm(run.ID, delay)
}

func (s *Scheduler) arm(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.enqueue(id)
	})
}
