package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dshills/flowcore-go/flow/emit"
)

func scheduleFiredEvent(execID, scheduleID string) emit.Event {
	return emit.Event{
		ExecutionID: execID,
		Msg:         "schedule_fired",
		Meta:        map[string]any{"schedule_id": scheduleID},
	}
}

// Scheduler creates executions for workflows on cron schedules.
//
// Schedules live in the store with a precomputed next_fire_at, so a
// restart never loses a schedule and multiple workers never double
// fire: DueSchedules atomically advances next_fire_at when it hands a
// schedule out, and only the advancing caller creates the execution.
//
// Rules use standard five-field cron syntax ("*/5 * * * *"). Fires
// missed while no worker was running coalesce into a single fire on
// the next poll.
type Scheduler struct {
	engine *Engine
	store  Store
	opts   Options
}

// NewScheduler builds a scheduler over the engine's store.
func NewScheduler(engine *Engine) *Scheduler {
	return &Scheduler{
		engine: engine,
		store:  engine.store,
		opts:   engine.opts,
	}
}

// NextFire parses a five-field cron rule and returns the first fire
// time strictly after the given instant.
func NextFire(rule string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(rule)
	if err != nil {
		return time.Time{}, inputErrorf("cron rule %q: %v", rule, err)
	}
	return sched.Next(after), nil
}

// CreateSchedule validates the rule, seeds next_fire_at, and persists
// the schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, workflowID, rule string) (*Schedule, error) {
	if _, err := s.store.LatestWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	now := s.opts.Clock()
	next, err := NextFire(rule, now)
	if err != nil {
		return nil, err
	}

	sched := &Schedule{
		ID:         NewID("sch"),
		WorkflowID: workflowID,
		Rule:       rule,
		NextFireAt: next,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// UpdateSchedule changes the rule or active flag and recomputes
// next_fire_at.
func (s *Scheduler) UpdateSchedule(ctx context.Context, id, rule string, active bool) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.opts.Clock()
	if rule != "" {
		next, err := NextFire(rule, now)
		if err != nil {
			return nil, err
		}
		sched.Rule = rule
		sched.NextFireAt = next
	}
	sched.Active = active
	sched.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// DeleteSchedule removes a schedule. Executions it already created are
// untouched.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// FireDue creates executions for every schedule whose next_fire_at has
// passed. It returns the number of executions created. A schedule
// whose workflow has vanished or gone inactive is skipped, not
// retried, since its next_fire_at already advanced.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) int {
	due, err := s.store.DueSchedules(ctx, now, s.opts.ClaimBatch, NextFire)
	if err != nil {
		return 0
	}

	fired := 0
	for _, sched := range due {
		trigger := map[string]any{
			"schedule_id": sched.ID,
			"rule":        sched.Rule,
			"fired_at":    now.Format(time.RFC3339),
		}
		exec, err := s.engine.CreateExecution(ctx, sched.WorkflowID, trigger)
		if err != nil {
			s.opts.Emitter.Emit(stepErrorEvent("", fmt.Errorf("schedule %s fire: %w", sched.ID, err)))
			continue
		}
		fired++
		s.opts.Metrics.RecordScheduleFire()
		s.opts.Emitter.Emit(scheduleFiredEvent(exec.ID, sched.ID))
	}
	return fired
}
