// Package scheduler fires periodic jobs such as the pool sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidJob is returned for jobs without a name, a positive interval or a body.
var ErrInvalidJob = errors.New("invalid job")

// Job is one periodic trigger.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker until the context is canceled.
// A failing run is logged and the job keeps its schedule.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
}

// New validates the jobs and returns a Scheduler.
func New(logger *zap.Logger, jobs ...Job) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, job := range jobs {
		if strings.TrimSpace(job.Name) == "" || job.Interval <= 0 || job.Run == nil {
			return nil, fmt.Errorf("%w: %q every %v", ErrInvalidJob, job.Name, job.Interval)
		}
	}
	return &Scheduler{jobs: jobs, logger: logger}, nil
}

// Start blocks until ctx is done and every job loop has returned.
func (scheduler *Scheduler) Start(ctx context.Context) error {
	var waitGroup sync.WaitGroup
	for _, job := range scheduler.jobs {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			scheduler.loop(ctx, job)
		}()
	}
	waitGroup.Wait()
	return nil
}

func (scheduler *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes a job a single time and logs the result.
func (scheduler *Scheduler) RunOnce(ctx context.Context, job Job) {
	started := time.Now()
	err := job.Run(ctx)
	if err != nil {
		scheduler.logger.Error("scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		return
	}
	scheduler.logger.Debug("scheduled job finished", zap.String("job", job.Name), zap.Duration("elapsed", time.Since(started)))
}
