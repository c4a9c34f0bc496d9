package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultPollTimeout    = 10 * time.Minute
	DefaultMaxFetchErrors = 5
)

// ErrStillProcessing is returned when the poll timeout elapses before the
// job reached a terminal status. The job itself keeps running.
var ErrStillProcessing = errors.New("job still processing")

// PollState is the poller's state.
type PollState string

const (
	PollPolling   PollState = "polling"
	PollDone      PollState = "done"
	PollTimedOut  PollState = "timed_out"
	PollCancelled PollState = "cancelled"
	PollFailed    PollState = "failed"
)

// StatusSource is anything that can report a job's status: the orchestrator
// itself or the HTTP client.
type StatusSource interface {
	Status(ctx context.Context, jobID uint) (*StatusView, error)
}

// PollResult is the final state of a Wait call and the last status seen.
type PollResult struct {
	State  PollState
	Status *StatusView
	Polls  int
}

// Poller waits for a job to finish by polling its status. Stopping the
// poller never stops the job.
type Poller struct {
	Source   StatusSource
	Interval time.Duration
	Timeout  time.Duration
	// MaxFetchErrors bounds consecutive failed status fetches.
	MaxFetchErrors int
	// OnUpdate, when set, sees every successfully fetched status.
	OnUpdate func(StatusView)
}

func (p *Poller) settings() (interval, timeout time.Duration, budget int) {
	interval, timeout, budget = p.Interval, p.Timeout, p.MaxFetchErrors
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if budget <= 0 {
		budget = DefaultMaxFetchErrors
	}
	return interval, timeout, budget
}

// Wait polls until the job is terminal (done), the timeout elapses
// (timed_out, ErrStillProcessing), ctx is cancelled (cancelled, ctx.Err())
// or too many consecutive fetches fail (failed, the last fetch error).
func (p *Poller) Wait(ctx context.Context, jobID uint) (PollResult, error) {
	interval, timeout, budget := p.settings()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	res := PollResult{State: PollPolling}
	fetchErrors := 0
	for {
		status, err := p.Source.Status(ctx, jobID)
		res.Polls++
		switch {
		case err == nil:
			fetchErrors = 0
			res.Status = status
			if p.OnUpdate != nil {
				p.OnUpdate(*status)
			}
			if status.Status.Terminal() {
				res.State = PollDone
				return res, nil
			}
		case ctx.Err() != nil:
			res.State = PollCancelled
			return res, ctx.Err()
		default:
			fetchErrors++
			if fetchErrors >= budget {
				res.State = PollFailed
				return res, fmt.Errorf("fetch status of job %d: %w", jobID, err)
			}
		}

		wait := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			res.State = PollCancelled
			return res, ctx.Err()
		case <-deadline.C:
			wait.Stop()
			res.State = PollTimedOut
			return res, ErrStillProcessing
		case <-wait.C:
		}
	}
}
