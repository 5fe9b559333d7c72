package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/logging"
	"github.com/stratabase/strata/internal/metrics"
)

// Store is the schedule persistence the loop drives.
type Store interface {
	SaveSchedule(ctx context.Context, sch *domain.FunctionSchedule) error
	GetSchedule(ctx context.Context, id string) (*domain.FunctionSchedule, error)
	ListSchedules(ctx context.Context, functionName string) ([]*domain.FunctionSchedule, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*domain.FunctionSchedule, error)
	UpdateScheduleAfterFire(ctx context.Context, id string, lastRun time.Time, lastCallID string, next *time.Time) error
	SetScheduleActive(ctx context.Context, id string, active bool, next *time.Time) error
	DeleteSchedule(ctx context.Context, id string) error

	// CreateCall records fires the engine refused before a call row existed.
	CreateCall(ctx context.Context, c *domain.FunctionCall) error
}

// Invoker dispatches one fire. The scheduler uses the async form so a
// saturated pool never stalls the tick.
type Invoker interface {
	InvokeAsync(ctx context.Context, name string, input json.RawMessage, caller domain.Caller, trigger domain.Trigger) (*domain.FunctionCall, error)
}

// Settings supplies the per-tick admission cap.
type Settings interface {
	MaxSchedulesPerTick(ctx context.Context) int
}

type Scheduler struct {
	store    Store
	invoker  Invoker
	settings Settings
	met      *metrics.Metrics
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

func New(store Store, invoker Invoker, settings Settings, met *metrics.Metrics, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		store:    store,
		invoker:  invoker,
		settings: settings,
		met:      met,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run loops until Stop or context cancellation. One tick never overlaps the
// next; a slow tick delays subsequent ones.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Op().Info("scheduler started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Tick selects due schedules oldest first and fires each one. Dispatch
// happens before the schedule row is updated: a crash in between double-
// fires at most once on recovery rather than silently missing a fire.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	started := time.Now()

	due, err := s.store.ListDueSchedules(ctx, now, s.settings.MaxSchedulesPerTick(ctx))
	if err != nil {
		logging.Op().Error("list due schedules", slog.Any("error", err))
		return
	}

	for _, sch := range due {
		s.fire(ctx, sch, now)
	}

	if s.met != nil {
		s.met.RecordSchedulerTick(time.Since(started))
	}
}

func (s *Scheduler) fire(ctx context.Context, sch *domain.FunctionSchedule, now time.Time) {
	// fireAt is the scheduled instant, not the tick time; advance arithmetic
	// stays aligned to the schedule's own grid even when ticks drift.
	fireAt := now
	if sch.NextRunAt != nil {
		fireAt = *sch.NextRunAt
	}

	call, err := s.invoker.InvokeAsync(ctx, sch.FunctionName, sch.Input, domain.SystemCaller, domain.TriggerSchedule)
	outcome := "dispatched"
	var callID string
	if call != nil {
		callID = call.ID
	}
	if err != nil {
		// Every failed fire stays visible in call history. Rate-limit
		// refusals already left a FAILED row; other refusals get one here.
		// Either way the schedule advances so one bad fire cannot wedge the
		// loop.
		outcome = "failed"
		if call == nil {
			callID = s.recordRefusal(ctx, sch, fireAt, err)
		}
		logging.Op().Warn("schedule fire failed",
			slog.String("schedule_id", sch.ID),
			slog.String("function", sch.FunctionName),
			slog.Any("error", err))
	}

	next, err := Next(sch.Spec, fireAt, now)
	if err != nil {
		logging.Op().Error("schedule advance failed; deactivating",
			slog.String("schedule_id", sch.ID), slog.Any("error", err))
		next = nil
	}

	if err := s.store.UpdateScheduleAfterFire(ctx, sch.ID, fireAt, callID, next); err != nil {
		logging.Op().Error("persist schedule after fire",
			slog.String("schedule_id", sch.ID), slog.Any("error", err))
		return
	}

	if s.met != nil {
		s.met.RecordFire(outcome)
	}
	logging.Op().Info("schedule fired",
		slog.String("schedule_id", sch.ID),
		slog.String("function", sch.FunctionName),
		slog.String("call_id", callID),
		slog.Time("fire_at", fireAt))
}

// recordRefusal writes a terminal FAILED call for a dispatch the engine
// refused without creating a row, so the attempt shows up in call history.
func (s *Scheduler) recordRefusal(ctx context.Context, sch *domain.FunctionSchedule, fireAt time.Time, cause error) string {
	now := time.Now().UTC()
	zero := int64(0)
	call := &domain.FunctionCall{
		ID:           domain.NewID(),
		FunctionName: sch.FunctionName,
		Trigger:      domain.TriggerSchedule,
		CallerID:     domain.SystemCaller.UserID,
		Status:       domain.CallFailed,
		StartedAt:    &fireAt,
		EndedAt:      &now,
		DurationMS:   &zero,
		Input:        sch.Input,
		ErrorType:    domain.ErrTypeDispatch,
		ErrorMessage: cause.Error(),
	}
	if err := s.store.CreateCall(ctx, call); err != nil {
		logging.Op().Error("record refused schedule fire",
			slog.String("schedule_id", sch.ID), slog.Any("error", err))
		return ""
	}
	return call.ID
}

// Create validates the spec, computes the first fire, and persists the
// schedule.
func (s *Scheduler) Create(ctx context.Context, name, functionName string, spec domain.ScheduleSpec, input json.RawMessage) (*domain.FunctionSchedule, error) {
	next, err := ParseSpec(spec, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	sch := &domain.FunctionSchedule{
		ID:           domain.NewID(),
		Name:         name,
		FunctionName: functionName,
		Spec:         spec,
		Input:        input,
		IsActive:     true,
		NextRunAt:    next,
	}
	if err := s.store.SaveSchedule(ctx, sch); err != nil {
		return nil, err
	}
	return sch, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*domain.FunctionSchedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) List(ctx context.Context, functionName string) ([]*domain.FunctionSchedule, error) {
	return s.store.ListSchedules(ctx, functionName)
}

// SetActive pauses or resumes a schedule. Resuming recomputes the next fire
// from now so a long pause does not replay missed fires.
func (s *Scheduler) SetActive(ctx context.Context, id string, active bool) error {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	var next *time.Time
	if active {
		next, err = ParseSpec(sch.Spec, time.Now().UTC())
		if err != nil {
			return err
		}
	}
	return s.store.SetScheduleActive(ctx, id, active, next)
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}
