package reconstruct

import (
	"context"
	"time"

	"pacview/models"
)

// Backend runs a pure reconstruction computation. Whatever the backend, the result is
// the job's return value, so the choice never changes what gets rendered.
type Backend interface {
	Compute(job func() models.Snapshot) models.Snapshot
}

// Inline computes on the calling goroutine.
type Inline struct{}

func (Inline) Compute(job func() models.Snapshot) models.Snapshot {
	return job()
}

type poolJob struct {
	job    func() models.Snapshot
	result chan<- models.Snapshot
}

// Pool offloads computations to a fixed set of worker goroutines. If no worker
// accepts and answers within the timeout, the job runs inline instead.
type Pool struct {
	jobs    chan poolJob
	timeout time.Duration
}

// NewPool starts nworkers workers that live until ctx is done.
func NewPool(ctx context.Context, nworkers int, timeout time.Duration) *Pool {
	if nworkers < 1 {
		nworkers = 1
	}
	pool := &Pool{
		jobs:    make(chan poolJob),
		timeout: timeout,
	}

	worker := func() {
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-pool.jobs:
				// result is buffered; a caller that already fell back never blocks us.
				j.result <- j.job()
			}
		}
	}
	for i := 0; i < nworkers; i++ {
		go worker()
	}
	return pool
}

func (p *Pool) Compute(job func() models.Snapshot) models.Snapshot {
	result := make(chan models.Snapshot, 1)
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	select {
	case p.jobs <- poolJob{job: job, result: result}:
	case <-deadline.C:
		return job()
	}

	select {
	case s := <-result:
		return s
	case <-deadline.C:
		return job()
	}
}
