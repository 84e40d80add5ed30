package analysis

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// ErrQueueClosed is returned when work is submitted after Close.
var ErrQueueClosed = errors.New("detector queue closed")

type queueResult struct {
	resp analysis.JobResponse
	err  error
}

type queueJob struct {
	ctx    context.Context
	fn     func(ctx context.Context) (analysis.JobResponse, error)
	result chan queueResult // nil for fire-and-forget jobs
}

type mailbox struct {
	jobs []queueJob
}

// DetectorQueue serializes work per detector. Each detector with queued work
// gets one draining goroutine that exits, and releases its mailbox, as soon as
// the mailbox is empty. Work for different detectors runs in parallel.
type DetectorQueue struct {
	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool
	wg        sync.WaitGroup

	logger *logger.Logger
}

// NewDetectorQueue creates an empty queue.
func NewDetectorQueue(logger *logger.Logger) *DetectorQueue {
	return &DetectorQueue{
		mailboxes: make(map[string]*mailbox),
		logger:    logger.With("component", "detector_queue"),
	}
}

// Submit runs fn after every job previously accepted for the detector and
// waits for its result. Once accepted, the job runs to completion even if ctx
// is cancelled while waiting, so cache and store mutations are never torn.
func (q *DetectorQueue) Submit(
	ctx context.Context,
	detectorID string,
	fn func(ctx context.Context) (analysis.JobResponse, error),
) (analysis.JobResponse, error) {
	result := make(chan queueResult, 1)
	if err := q.enqueue(detectorID, queueJob{ctx: context.WithoutCancel(ctx), fn: fn, result: result}); err != nil {
		return analysis.JobResponse{}, err
	}

	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		return analysis.JobResponse{}, ctx.Err()
	}
}

// Post queues fn for the detector without waiting. Completion callbacks of
// asynchronous dispatches re-enter the serialized path through Post.
func (q *DetectorQueue) Post(ctx context.Context, detectorID string, fn func(ctx context.Context)) error {
	return q.enqueue(detectorID, queueJob{
		ctx: context.WithoutCancel(ctx),
		fn: func(ctx context.Context) (analysis.JobResponse, error) {
			fn(ctx)
			return analysis.JobResponse{}, nil
		},
	})
}

func (q *DetectorQueue) enqueue(detectorID string, job queueJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	mb, ok := q.mailboxes[detectorID]
	if !ok {
		mb = &mailbox{}
		q.mailboxes[detectorID] = mb
		q.wg.Add(1)
		go q.drain(detectorID, mb)
	}
	mb.jobs = append(mb.jobs, job)
	return nil
}

func (q *DetectorQueue) drain(detectorID string, mb *mailbox) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(mb.jobs) == 0 {
			delete(q.mailboxes, detectorID)
			q.mu.Unlock()
			return
		}
		job := mb.jobs[0]
		mb.jobs = mb.jobs[1:]
		q.mu.Unlock()

		resp, err := q.run(detectorID, job)
		if job.result != nil {
			job.result <- queueResult{resp: resp, err: err}
		}
	}
}

func (q *DetectorQueue) run(detectorID string, job queueJob) (resp analysis.JobResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error(job.ctx, "Detector job panicked", "detector_id", detectorID, "panic", r)
			err = errors.New("detector job panicked")
		}
	}()
	return job.fn(job.ctx)
}

// ActiveMailboxes returns the number of detectors with queued or running work.
func (q *DetectorQueue) ActiveMailboxes() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.mailboxes)
}

// Close rejects new work and waits for queued work to drain.
func (q *DetectorQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wg.Wait()
}
