package flow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/flowcore-go/flow"
)

func TestNextFire(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)

	t.Run("hourly rule", func(t *testing.T) {
		next, err := flow.NextFire("0 * * * *", after)
		if err != nil {
			t.Fatalf("NextFire() = %v", err)
		}
		want := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("NextFire() = %v, want %v", next, want)
		}
	})

	t.Run("every five minutes", func(t *testing.T) {
		next, err := flow.NextFire("*/5 * * * *", after)
		if err != nil {
			t.Fatalf("NextFire() = %v", err)
		}
		want := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)
		if !next.Equal(want) {
			t.Errorf("NextFire() = %v, want %v", next, want)
		}
	})

	t.Run("invalid rule", func(t *testing.T) {
		if _, err := flow.NextFire("not a rule", after); err == nil {
			t.Error("NextFire(invalid) = nil, want error")
		}
	})
}

func TestScheduleFiresExactlyOnce(t *testing.T) {
	ctx := context.Background()
	ev := newEnv(t)
	ev.createWorkflow(linearCodeWorkflow("nightly", "nightly_work"))

	scheduler := flow.NewScheduler(ev.engine)
	sched, err := scheduler.CreateSchedule(ctx, "nightly", "* * * * *")
	if err != nil {
		t.Fatalf("CreateSchedule() = %v", err)
	}
	if !sched.Active || sched.NextFireAt.IsZero() {
		t.Fatalf("schedule = %+v, want active with next fire seeded", sched)
	}

	// Not due yet.
	if fired := scheduler.FireDue(ctx, ev.clock.Now()); fired != 0 {
		t.Fatalf("FireDue() = %d before due, want 0", fired)
	}

	ev.clock.Advance(61 * time.Second)
	now := ev.clock.Now()
	if fired := scheduler.FireDue(ctx, now); fired != 1 {
		t.Fatalf("FireDue() = %d, want 1", fired)
	}
	// next_fire_at advanced atomically; the same instant fires nothing.
	if fired := scheduler.FireDue(ctx, now); fired != 0 {
		t.Fatalf("FireDue() = %d on second poll, want 0", fired)
	}

	execs, err := ev.store.ListExecutions(ctx, flow.ExecutionFilter{WorkflowID: "nightly"})
	if err != nil || len(execs) != 1 {
		t.Fatalf("ListExecutions() = %d, %v; want 1", len(execs), err)
	}
	trigger := execs[0].State.TriggerData
	if trigger["schedule_id"] != sched.ID {
		t.Errorf("trigger schedule_id = %v, want %s", trigger["schedule_id"], sched.ID)
	}
	if trigger["rule"] != "* * * * *" {
		t.Errorf("trigger rule = %v", trigger["rule"])
	}

	ev.drive(10)
	if ev.runner.callCount("nightly_work") != 1 {
		t.Errorf("scheduled work ran %d times, want 1", ev.runner.callCount("nightly_work"))
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	ctx := context.Background()
	ev := newEnv(t)
	scheduler := flow.NewScheduler(ev.engine)

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := scheduler.CreateSchedule(ctx, "ghost", "* * * * *")
		if !errors.Is(err, flow.ErrWorkflowNotFound) {
			t.Errorf("CreateSchedule(ghost) = %v, want ErrWorkflowNotFound", err)
		}
	})

	t.Run("invalid rule", func(t *testing.T) {
		ev.createWorkflow(linearCodeWorkflow("real", "work"))
		if _, err := scheduler.CreateSchedule(ctx, "real", "61 * * * *"); err == nil {
			t.Error("CreateSchedule(bad rule) = nil, want error")
		}
	})
}

func TestDeactivatedScheduleDoesNotFire(t *testing.T) {
	ctx := context.Background()
	ev := newEnv(t)
	ev.createWorkflow(linearCodeWorkflow("nightly", "work"))

	scheduler := flow.NewScheduler(ev.engine)
	sched, err := scheduler.CreateSchedule(ctx, "nightly", "* * * * *")
	if err != nil {
		t.Fatalf("CreateSchedule() = %v", err)
	}
	if _, err := scheduler.UpdateSchedule(ctx, sched.ID, "", false); err != nil {
		t.Fatalf("UpdateSchedule() = %v", err)
	}

	ev.clock.Advance(5 * time.Minute)
	if fired := scheduler.FireDue(ctx, ev.clock.Now()); fired != 0 {
		t.Errorf("FireDue() = %d for inactive schedule, want 0", fired)
	}
}

func TestDeleteSchedule(t *testing.T) {
	ctx := context.Background()
	ev := newEnv(t)
	ev.createWorkflow(linearCodeWorkflow("nightly", "work"))

	scheduler := flow.NewScheduler(ev.engine)
	sched, err := scheduler.CreateSchedule(ctx, "nightly", "* * * * *")
	if err != nil {
		t.Fatalf("CreateSchedule() = %v", err)
	}
	if err := scheduler.DeleteSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("DeleteSchedule() = %v", err)
	}
	if _, err := ev.store.GetSchedule(ctx, sched.ID); !errors.Is(err, flow.ErrScheduleNotFound) {
		t.Errorf("GetSchedule(deleted) = %v, want ErrScheduleNotFound", err)
	}

	ev.clock.Advance(5 * time.Minute)
	if fired := scheduler.FireDue(ctx, ev.clock.Now()); fired != 0 {
		t.Errorf("FireDue() = %d after delete, want 0", fired)
	}
}
