// Package scheduler implements the Scheduler (C8): the daily cron trigger,
// manual trigger, group dedup into RunnableUnits, and bounded-concurrency
// execution of those units.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/linkgroup"
	"github.com/bridgeflow/transfer-engine/internal/metrics"
	"github.com/bridgeflow/transfer-engine/internal/notify"
	"github.com/bridgeflow/transfer-engine/internal/repository"
	"github.com/robfig/cron/v3"
)

const (
	waveConcurrency  = 2
	defaultWaveSleep = 30 * time.Second
)

var hourPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// ErrAlreadyRunning is returned by Trigger when a batch is already in
// flight, per spec §4.8's `trigger()` re-entrancy guard.
var ErrAlreadyRunning = errors.New("scheduler: a transfer batch is already running")

// groupCoordinator is the subset of *linkgroup.Coordinator the scheduler
// depends on, narrowed to an interface so tests can substitute a fake
// without wiring a full transfer.Engine.
type groupCoordinator interface {
	LinkingInfoFor(ctx context.Context, taskID string) (linkgroup.Info, error)
	ExecuteGroup(ctx context.Context, triggerTaskID string) (*linkgroup.GroupResult, error)
}

// Status is the value returned by Scheduler.Status.
type Status struct {
	Enabled       bool
	Active        bool
	Running       bool
	Hour          string
	NextExecution *time.Time
}

// Scheduler is safe for concurrent use; SetEnabled/Status/Trigger may be
// called from the opshttp surface while a tick is in flight.
type Scheduler struct {
	repo        repository.TaskRepository
	coordinator groupCoordinator
	notifier    notify.Sink
	logger      *slog.Logger
	location    *time.Location

	mu      sync.Mutex
	enabled bool
	hour    string
	running bool

	cronSched *cron.Cron
	entryID   cron.EntryID

	waveSleep time.Duration
}

func New(repo repository.TaskRepository, coordinator *linkgroup.Coordinator, notifier notify.Sink, logger *slog.Logger, location *time.Location) *Scheduler {
	return &Scheduler{
		repo:        repo,
		coordinator: coordinator,
		notifier:    notifier,
		logger:      logger.With("component", "scheduler"),
		location:    location,
		waveSleep:   defaultWaveSleep,
	}
}

// SetEnabled validates hour, stops any active timer, and — when enabled —
// installs a new one, per spec §4.8.
func (s *Scheduler) SetEnabled(enabled bool, hour string) error {
	if enabled && !hourPattern.MatchString(hour) {
		return fmt.Errorf("invalid hour %q: must match HH:MM", hour)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}

	s.enabled = enabled
	s.hour = hour

	if !enabled {
		return nil
	}

	spec, err := cronSpecFor(hour)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithLocation(s.location))
	entryID, err := c.AddFunc(spec, func() {
		s.executeAutomaticTransfers(context.Background(), "auto")
	})
	if err != nil {
		return fmt.Errorf("install cron entry: %w", err)
	}
	c.Start()

	s.cronSched = c
	s.entryID = entryID
	return nil
}

// cronSpecFor converts an "HH:MM" wall-clock hour into the standard 5-field
// cron expression cron.ParseStandard expects.
func cronSpecFor(hour string) (string, error) {
	m := hourPattern.FindStringSubmatch(hour)
	if m == nil {
		return "", fmt.Errorf("invalid hour %q: must match HH:MM", hour)
	}
	return fmt.Sprintf("%s %s * * *", trimLeadingZero(m[2]), trimLeadingZero(m[1])), nil
}

func trimLeadingZero(s string) string {
	if len(s) == 2 && s[0] == '0' {
		return s[1:]
	}
	return s
}

// Status reports the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Enabled: s.enabled, Running: s.running, Hour: s.hour, Active: s.cronSched != nil}
	if s.cronSched != nil {
		next := s.cronSched.Entry(s.entryID).Next
		if !next.IsZero() {
			st.NextExecution = &next
		}
	}
	return st
}

// Trigger runs the same routine the cron timer fires, on demand. It is
// forbidden while a batch is already running.
func (s *Scheduler) Trigger(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	s.executeAutomaticTransfers(ctx, "manual")
	return nil
}

// executeAutomaticTransfers is spec §4.8's tick algorithm: load active
// tasks, dedup into RunnableUnits, run them with bounded concurrency, and
// report the aggregated result exactly once.
func (s *Scheduler) executeAutomaticTransfers(ctx context.Context, origin string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	metrics.SchedulerTriggersTotal.WithLabelValues(origin).Inc()

	tasks, err := s.repo.GetActiveAutoOrBoth(ctx)
	if err != nil {
		s.logger.Error("load active tasks failed", "error", err)
		if notifyErr := s.notifier.NotifyCritical(ctx, err.Error(), origin, "loading active tasks"); notifyErr != nil {
			s.logger.Error("notify critical failed", "error", notifyErr)
		}
		return
	}

	units := s.buildUnits(ctx, tasks)
	results := s.runUnits(ctx, units)

	if err := s.notifier.NotifyResults(ctx, results, origin, ""); err != nil {
		s.logger.Error("notify results failed", "error", err)
	}
}

// buildUnits expands tasks into RunnableUnits, deduplicating group
// membership so a group contributes exactly one unit regardless of how
// many of its members appear in the active-auto set.
func (s *Scheduler) buildUnits(ctx context.Context, tasks []*domain.TaskDefinition) []domain.RunnableUnit {
	seenGroups := make(map[string]struct{})
	var units []domain.RunnableUnit

	for _, task := range tasks {
		info, err := s.coordinator.LinkingInfoFor(ctx, task.ID)
		if err != nil {
			s.logger.Warn("linking info unavailable, skipping task", "task_id", task.ID, "error", err)
			continue
		}

		if info.HasLinks && info.GroupTag != "" {
			if _, seen := seenGroups[info.GroupTag]; seen {
				continue
			}
			seenGroups[info.GroupTag] = struct{}{}
			units = append(units, domain.RunnableUnit{Kind: domain.UnitGroup, RepresentativeTaskID: task.ID, GroupTag: info.GroupTag})
			continue
		}

		units = append(units, domain.RunnableUnit{Kind: domain.UnitIndividual, TaskID: task.ID})
	}
	return units
}

// runUnits executes units in waves of at most waveConcurrency, sleeping
// waveSleep between waves. Units within a wave run concurrently with each
// other; the Linked Group Coordinator still serializes a group's own
// members.
func (s *Scheduler) runUnits(ctx context.Context, units []domain.RunnableUnit) []notify.ScheduledResult {
	var results []notify.ScheduledResult
	var mu sync.Mutex

	for waveStart := 0; waveStart < len(units); waveStart += waveConcurrency {
		waveEnd := waveStart + waveConcurrency
		if waveEnd > len(units) {
			waveEnd = len(units)
		}
		wave := units[waveStart:waveEnd]

		var wg sync.WaitGroup
		for _, unit := range wave {
			wg.Add(1)
			go func(u domain.RunnableUnit) {
				defer wg.Done()
				rows := s.runUnit(ctx, u)
				mu.Lock()
				results = append(results, rows...)
				mu.Unlock()
			}(unit)
		}
		wg.Wait()

		if waveEnd < len(units) {
			time.Sleep(s.waveSleep)
		}
	}

	return results
}

// runUnit drives one unit to completion and flattens its outcome into the
// per-member rows notify.Sink expects.
func (s *Scheduler) runUnit(ctx context.Context, unit domain.RunnableUnit) []notify.ScheduledResult {
	triggerID := unit.TaskID
	if unit.Kind == domain.UnitGroup {
		triggerID = unit.RepresentativeTaskID
	}

	group, err := s.coordinator.ExecuteGroup(ctx, triggerID)
	if err != nil {
		s.logger.Error("unit execution failed", "task_id", triggerID, "error", err)
		return []notify.ScheduledResult{{
			TaskID: triggerID,
			Result: &domain.Result{Success: false, Message: "failed", ErrorDetail: err.Error()},
		}}
	}

	rows := make([]notify.ScheduledResult, 0, len(group.Members))
	for _, m := range group.Members {
		rows = append(rows, notify.ScheduledResult{
			TaskID:        m.TaskID,
			TaskName:      m.TaskName,
			Result:        m.Result,
			IsGroupMember: m.IsGroupMember,
			GroupName:     group.GroupTag,
		})
	}
	return rows
}
