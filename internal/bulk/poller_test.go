package bulk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docforge/internal/jobs"
)

// scriptedSource replays a fixed sequence of status responses, repeating the
// last one once the script is exhausted.
type scriptedSource struct {
	mu     sync.Mutex
	script []scripted
	calls  int
}

type scripted struct {
	status jobs.Status
	err    error
}

func (s *scriptedSource) Status(_ context.Context, jobID uint) (*StatusView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step := s.script[min(s.calls, len(s.script)-1)]
	s.calls++
	if step.err != nil {
		return nil, step.err
	}
	return &StatusView{JobID: jobID, Status: step.status, TotalRows: 10, ProcessedRows: 10 * s.calls / len(s.script)}, nil
}

func TestPoller_WaitsForTerminalStatus(t *testing.T) {
	src := &scriptedSource{script: []scripted{
		{status: jobs.StatusPending},
		{status: jobs.StatusProcessing},
		{err: errors.New("connection reset")},
		{status: jobs.StatusCompleted},
	}}
	var updates []jobs.Status
	p := &Poller{
		Source:   src,
		Interval: time.Millisecond,
		Timeout:  time.Second,
		OnUpdate: func(v StatusView) { updates = append(updates, v.Status) },
	}

	res, err := p.Wait(context.Background(), 7)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != PollDone || res.Status.Status != jobs.StatusCompleted || res.Polls != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(updates) != 3 {
		t.Fatalf("updates = %v", updates)
	}
}

func TestPoller_TimeoutLeavesJobRunning(t *testing.T) {
	src := &scriptedSource{script: []scripted{{status: jobs.StatusProcessing}}}
	p := &Poller{Source: src, Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}

	res, err := p.Wait(context.Background(), 7)
	if !errors.Is(err, ErrStillProcessing) {
		t.Fatalf("err = %v, want ErrStillProcessing", err)
	}
	if res.State != PollTimedOut || res.Status == nil || res.Status.Status != jobs.StatusProcessing {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPoller_Cancelled(t *testing.T) {
	src := &scriptedSource{script: []scripted{{status: jobs.StatusProcessing}}}
	p := &Poller{Source: src, Interval: time.Hour, Timeout: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	res, err := p.Wait(ctx, 7)
	if !errors.Is(err, context.Canceled) || res.State != PollCancelled {
		t.Fatalf("state = %s, err = %v", res.State, err)
	}
}

func TestPoller_GivesUpAfterConsecutiveFetchErrors(t *testing.T) {
	boom := errors.New("status endpoint down")
	src := &scriptedSource{script: []scripted{{err: boom}}}
	p := &Poller{Source: src, Interval: time.Millisecond, Timeout: time.Second, MaxFetchErrors: 3}

	res, err := p.Wait(context.Background(), 7)
	if !errors.Is(err, boom) || res.State != PollFailed || res.Polls != 3 {
		t.Fatalf("state = %s polls = %d err = %v", res.State, res.Polls, err)
	}
}

func TestPoller_AgainstOrchestrator(t *testing.T) {
	f := newFixture(t, nil, nil, Options{BatchSize: 2})
	job, err := f.orch.Submit(context.Background(), SubmitRequest{EntityID: 1, Table: invoiceTable(3, nil)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	res, err := (&Poller{Source: f.orch, Interval: time.Millisecond}).Wait(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != PollDone || res.Status.Progress != 100 || res.Status.ResultURL == "" {
		t.Fatalf("unexpected result %+v", res.Status)
	}
}
