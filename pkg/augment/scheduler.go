package augment

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/menta2k/yolo-annotator/internal/errs"
	"github.com/menta2k/yolo-annotator/pkg/transform"
)

// JobRecorder persists the summary of every finished job
type JobRecorder interface {
	RecordJob(ctx context.Context, res Results) error
}

type job struct {
	id      string
	session string
	kinds   []transform.Kind
}

// Scheduler runs jobs in the background. Each session gets a FIFO lane
// drained by one goroutine, so jobs for the same session never overlap
// while different sessions run concurrently.
type Scheduler struct {
	runner   *Runner
	registry *transform.Registry
	recorder JobRecorder
	logger   *slog.Logger

	mu     sync.Mutex
	lanes  map[string][]job // a key is present while its lane goroutine runs
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. recorder may be nil.
func NewScheduler(runner *Runner, registry *transform.Registry, recorder JobRecorder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		registry: registry,
		recorder: recorder,
		logger:   logger,
		lanes:    make(map[string][]job),
	}
}

// Start validates the variant keys, queues the job and returns its id
// without waiting. Empty keys select every transform.
func (s *Scheduler) Start(session string, keys []string) (string, error) {
	kinds, err := s.registry.Resolve(keys)
	if err != nil {
		return "", err
	}
	j := job{id: uuid.NewString(), session: session, kinds: kinds}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errs.New(errs.CategoryStateContention, "scheduler_closed", "scheduler is shutting down")
	}
	if _, running := s.lanes[session]; !running {
		s.wg.Add(1)
		go s.drain(session)
	}
	s.lanes[session] = append(s.lanes[session], j)
	s.logger.Debug("augmentation queued", "session", session, "job_id", j.id, "queued", len(s.lanes[session]))
	return j.id, nil
}

// Pending reports how many jobs are queued or running for a session
func (s *Scheduler) Pending(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, running := s.lanes[session]
	if !running {
		return 0
	}
	// the job being executed has already been popped
	return len(queue) + 1
}

// Wait blocks until every queued job has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Shutdown refuses new jobs and waits for queued ones or ctx, whichever ends first
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

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

func (s *Scheduler) drain(session string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		queue := s.lanes[session]
		if len(queue) == 0 {
			delete(s.lanes, session)
			s.mu.Unlock()
			return
		}
		next := queue[0]
		s.lanes[session] = queue[1:]
		s.mu.Unlock()

		s.execute(next)
	}
}

func (s *Scheduler) execute(j job) {
	// jobs outlive the request that started them and are not cancellable
	ctx := context.Background()

	res, err := s.runner.RunJob(ctx, j.id, j.session, j.kinds)
	if err != nil {
		s.logger.Error("augmentation aborted", "session", j.session, "job_id", j.id, "error", err)
		res.Errors = append(res.Errors, err.Error())
	}
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordJob(ctx, res); err != nil {
		s.logger.Error("recording job failed", "session", j.session, "job_id", j.id, "error", err)
	}
}
