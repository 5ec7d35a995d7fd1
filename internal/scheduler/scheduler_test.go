package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/linkgroup"
	"github.com/bridgeflow/transfer-engine/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRepo struct {
	tasks []*domain.TaskDefinition
	err   error
}

func (r *fakeRepo) GetTaskByID(context.Context, string) (*domain.TaskDefinition, error) { return nil, nil }
func (r *fakeRepo) GetActiveAutoOrBoth(context.Context) ([]*domain.TaskDefinition, error) {
	return r.tasks, r.err
}
func (r *fakeRepo) UpdateStatus(context.Context, string, domain.ExecutionStatus, int) error { return nil }
func (r *fakeRepo) AppendExecution(context.Context, string, *domain.TaskExecution) error      { return nil }
func (r *fakeRepo) FindGroupMembers(context.Context, string) ([]*domain.TaskDefinition, error) {
	return nil, nil
}
func (r *fakeRepo) FindLinked(context.Context, string) ([]string, error)                  { return nil, nil }
func (r *fakeRepo) RecordGroupExecution(context.Context, string, string) error            { return nil }

type fakeCoordinator struct {
	mu        sync.Mutex
	linking   map[string]linkgroup.Info
	results   map[string]*linkgroup.GroupResult
	execCalls []string
}

func (c *fakeCoordinator) LinkingInfoFor(_ context.Context, taskID string) (linkgroup.Info, error) {
	if info, ok := c.linking[taskID]; ok {
		return info, nil
	}
	return linkgroup.Info{Members: []*domain.TaskDefinition{{ID: taskID}}}, nil
}

func (c *fakeCoordinator) ExecuteGroup(_ context.Context, triggerTaskID string) (*linkgroup.GroupResult, error) {
	c.mu.Lock()
	c.execCalls = append(c.execCalls, triggerTaskID)
	c.mu.Unlock()

	if res, ok := c.results[triggerTaskID]; ok {
		return res, nil
	}
	return &linkgroup.GroupResult{
		Members:        []linkgroup.MemberResult{{TaskID: triggerTaskID, Result: &domain.Result{Success: true}}},
		OverallSuccess: true,
	}, nil
}

type fakeNotifier struct {
	mu            sync.Mutex
	resultCalls   int
	criticalCalls int
	lastResults   []notify.ScheduledResult
}

func (n *fakeNotifier) NotifyResults(_ context.Context, results []notify.ScheduledResult, _ string, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resultCalls++
	n.lastResults = results
	return nil
}

func (n *fakeNotifier) NotifyCritical(context.Context, string, string, string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.criticalCalls++
	return nil
}

func newTestScheduler(repo *fakeRepo, coord groupCoordinator, notifier *fakeNotifier) *Scheduler {
	return &Scheduler{
		repo:        repo,
		coordinator: coord,
		notifier:    notifier,
		logger:      discardLogger(),
		location:    time.UTC,
		waveSleep:   time.Millisecond,
	}
}

func TestCronSpecFor(t *testing.T) {
	cases := map[string]string{
		"02:00": "0 2 * * *",
		"23:59": "59 23 * * *",
		"00:05": "5 0 * * *",
	}
	for hour, want := range cases {
		got, err := cronSpecFor(hour)
		if err != nil {
			t.Fatalf("cronSpecFor(%q): %v", hour, err)
		}
		if got != want {
			t.Fatalf("cronSpecFor(%q) = %q, want %q", hour, got, want)
		}
	}
}

func TestSetEnabled_RejectsInvalidHour(t *testing.T) {
	s := newTestScheduler(&fakeRepo{}, &fakeCoordinator{}, &fakeNotifier{})
	if err := s.SetEnabled(true, "25:00"); err == nil {
		t.Fatal("expected an error for an out-of-range hour")
	}
	if err := s.SetEnabled(true, "9:00"); err == nil {
		t.Fatal("expected an error for a non-zero-padded hour")
	}
}

func TestSetEnabled_DisableClearsCron(t *testing.T) {
	s := newTestScheduler(&fakeRepo{}, &fakeCoordinator{}, &fakeNotifier{})
	if err := s.SetEnabled(true, "02:00"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Status().Active {
		t.Fatal("expected scheduler to be active after enabling")
	}
	if err := s.SetEnabled(false, "02:00"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Status().Active {
		t.Fatal("expected scheduler to be inactive after disabling")
	}
}

func TestBuildUnits_DedupsByGroupTag(t *testing.T) {
	coord := &fakeCoordinator{linking: map[string]linkgroup.Info{
		"t1": {HasLinks: true, GroupTag: "g1"},
		"t2": {HasLinks: true, GroupTag: "g1"},
		"t3": {HasLinks: false},
	}}
	s := newTestScheduler(&fakeRepo{}, coord, &fakeNotifier{})

	tasks := []*domain.TaskDefinition{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}}
	units := s.buildUnits(context.Background(), tasks)

	if len(units) != 2 {
		t.Fatalf("expected group g1 to contribute exactly one unit, got %d units: %+v", len(units), units)
	}

	var sawGroup, sawIndividual bool
	for _, u := range units {
		switch u.Kind {
		case domain.UnitGroup:
			sawGroup = true
			if u.RepresentativeTaskID != "t1" {
				t.Fatalf("expected t1 (first seen) as representative, got %s", u.RepresentativeTaskID)
			}
		case domain.UnitIndividual:
			sawIndividual = true
			if u.TaskID != "t3" {
				t.Fatalf("expected t3 as the individual unit, got %s", u.TaskID)
			}
		}
	}
	if !sawGroup || !sawIndividual {
		t.Fatalf("expected one group unit and one individual unit, got %+v", units)
	}
}

func TestExecuteAutomaticTransfers_NotifiesResultsOnce(t *testing.T) {
	coord := &fakeCoordinator{}
	notifier := &fakeNotifier{}
	repo := &fakeRepo{tasks: []*domain.TaskDefinition{{ID: "t1"}, {ID: "t2"}}}
	s := newTestScheduler(repo, coord, notifier)

	s.executeAutomaticTransfers(context.Background(), "manual")

	if notifier.resultCalls != 1 {
		t.Fatalf("expected notifyResults exactly once, got %d", notifier.resultCalls)
	}
	if len(notifier.lastResults) != 2 {
		t.Fatalf("expected 2 result rows, got %d", len(notifier.lastResults))
	}
	if s.Status().Running {
		t.Fatal("expected running to be cleared after the batch finishes")
	}
}

func TestExecuteAutomaticTransfers_CriticalOnRepoFailure(t *testing.T) {
	coord := &fakeCoordinator{}
	notifier := &fakeNotifier{}
	repo := &fakeRepo{err: fmt.Errorf("connection refused")}
	s := newTestScheduler(repo, coord, notifier)

	s.executeAutomaticTransfers(context.Background(), "auto")

	if notifier.criticalCalls != 1 {
		t.Fatalf("expected notifyCritical exactly once, got %d", notifier.criticalCalls)
	}
	if notifier.resultCalls != 0 {
		t.Fatalf("expected notifyResults not called on repo failure, got %d calls", notifier.resultCalls)
	}
}

func TestExecuteAutomaticTransfers_ReentrancyGuard(t *testing.T) {
	coord := &fakeCoordinator{}
	notifier := &fakeNotifier{}
	repo := &fakeRepo{tasks: []*domain.TaskDefinition{{ID: "t1"}}}
	s := newTestScheduler(repo, coord, notifier)

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.executeAutomaticTransfers(context.Background(), "auto")

	if notifier.resultCalls != 0 {
		t.Fatal("expected the tick to be skipped entirely while already running")
	}
}

func TestTrigger_RejectsWhileRunning(t *testing.T) {
	s := newTestScheduler(&fakeRepo{}, &fakeCoordinator{}, &fakeNotifier{})
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if err := s.Trigger(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestRunUnits_BoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	coord := &boundedCoordinator{onExecute: func() {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}}
	s := newTestScheduler(&fakeRepo{}, coord, &fakeNotifier{})

	units := []domain.RunnableUnit{
		{Kind: domain.UnitIndividual, TaskID: "a"},
		{Kind: domain.UnitIndividual, TaskID: "b"},
		{Kind: domain.UnitIndividual, TaskID: "c"},
	}
	s.runUnits(context.Background(), units)

	if maxInFlight > waveConcurrency {
		t.Fatalf("expected at most %d concurrent units, observed %d", waveConcurrency, maxInFlight)
	}
}

type boundedCoordinator struct {
	onExecute func()
}

func (c *boundedCoordinator) LinkingInfoFor(context.Context, string) (linkgroup.Info, error) {
	return linkgroup.Info{}, nil
}

func (c *boundedCoordinator) ExecuteGroup(_ context.Context, taskID string) (*linkgroup.GroupResult, error) {
	c.onExecute()
	return &linkgroup.GroupResult{Members: []linkgroup.MemberResult{{TaskID: taskID, Result: &domain.Result{Success: true}}}}, nil
}
