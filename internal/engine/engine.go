// Package engine runs function invocations end to end: authorization,
// concurrency admission, worker leasing, the wire exchange, and call row
// lifecycle. The call row in the database is the source of truth for every
// invocation's outcome.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratabase/strata/internal/counter"
	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/logging"
	"github.com/stratabase/strata/internal/metrics"
	"github.com/stratabase/strata/internal/pool"
)

// Store is the persistence the engine drives.
type Store interface {
	GetFunction(ctx context.Context, name string) (*domain.FunctionDefinition, error)
	GetActiveVersion(ctx context.Context, functionName string) (*domain.FunctionVersion, error)
	CreateCall(ctx context.Context, c *domain.FunctionCall) error
	MarkCallRunning(ctx context.Context, id string, startedAt time.Time) error
	FinishCall(ctx context.Context, c *domain.FunctionCall) error
	GetCall(ctx context.Context, id string) (*domain.FunctionCall, error)
	SweepAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkerPool is the slice of the process pool the engine uses.
type WorkerPool interface {
	Lease(ctx context.Context, v *domain.FunctionVersion) (pool.Worker, error)
	Release(w pool.Worker, outcome pool.Outcome)
}

// Settings supplies the runtime-tunable execution limits.
type Settings interface {
	FunctionTimeout(ctx context.Context) time.Duration
	MaxConcurrentExecutions(ctx context.Context) int
	MaxConcurrentFunctionsPerUser(ctx context.Context) int
}

const globalSlotKey = "executions:global"

func userSlotKey(userID string) string { return "executions:user:" + userID }

type Engine struct {
	store    Store
	pool     WorkerPool
	counters counter.Store
	settings Settings
	met      *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func New(store Store, wp WorkerPool, counters counter.Store, settings Settings, met *metrics.Metrics) *Engine {
	return &Engine{
		store:    store,
		pool:     wp,
		counters: counters,
		settings: settings,
		met:      met,
		cancels:  make(map[string]context.CancelCauseFunc),
	}
}

// Invoke runs one invocation to its terminal state and returns the final
// call row. Refusals (unknown function, authorization) fail before any call
// row exists; a rate-limit refusal records a FAILED row so the history
// shows every attempt.
func (e *Engine) Invoke(ctx context.Context, name string, input json.RawMessage, caller domain.Caller, trigger domain.Trigger) (*domain.FunctionCall, error) {
	call, run, err := e.admit(ctx, name, input, caller, trigger)
	if err != nil {
		return call, err
	}
	run(ctx)
	return e.store.GetCall(ctx, call.ID)
}

// InvokeAsync persists the PENDING call and runs the body in the
// background. The returned call is in PENDING (or FAILED for a rate-limit
// refusal).
func (e *Engine) InvokeAsync(ctx context.Context, name string, input json.RawMessage, caller domain.Caller, trigger domain.Trigger) (*domain.FunctionCall, error) {
	call, run, err := e.admit(ctx, name, input, caller, trigger)
	if err != nil {
		return call, err
	}
	go run(context.WithoutCancel(ctx))
	return call, nil
}

// admit performs the synchronous half of an invocation: resolution,
// authorization, slot reservation, and the PENDING insert. The returned
// closure runs the worker exchange and releases everything it reserved.
func (e *Engine) admit(ctx context.Context, name string, input json.RawMessage, caller domain.Caller, trigger domain.Trigger) (*domain.FunctionCall, func(context.Context), error) {
	fn, err := e.store.GetFunction(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if err := authorize(fn, caller); err != nil {
		return nil, nil, err
	}
	version, err := e.store.GetActiveVersion(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	userTok, err := e.counters.TryAcquire(ctx, userSlotKey(caller.UserID), e.settings.MaxConcurrentFunctionsPerUser(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("reserve user slot: %w", err)
	}
	if userTok == nil {
		call := e.refusedCall(ctx, name, version.ID, input, caller, trigger,
			"per-user concurrency limit reached")
		return call, nil, fmt.Errorf("user %s: %w", caller.UserID, domain.ErrRateLimited)
	}

	globalTok, err := e.counters.TryAcquire(ctx, globalSlotKey, e.settings.MaxConcurrentExecutions(ctx))
	if err != nil {
		e.counters.Release(ctx, userTok)
		return nil, nil, fmt.Errorf("reserve global slot: %w", err)
	}
	if globalTok == nil {
		e.counters.Release(ctx, userTok)
		call := e.refusedCall(ctx, name, version.ID, input, caller, trigger,
			"global concurrency limit reached")
		return call, nil, domain.ErrRateLimited
	}

	call := &domain.FunctionCall{
		ID:           domain.NewID(),
		FunctionName: name,
		VersionID:    version.ID,
		Trigger:      trigger,
		CallerID:     caller.UserID,
		Status:       domain.CallPending,
		Input:        input,
	}
	if err := e.store.CreateCall(ctx, call); err != nil {
		e.counters.Release(ctx, userTok)
		e.counters.Release(ctx, globalTok)
		return nil, nil, err
	}

	run := func(runCtx context.Context) {
		defer e.counters.Release(runCtx, userTok)
		defer e.counters.Release(runCtx, globalTok)
		e.run(runCtx, call, version, input)
	}
	return call, run, nil
}

// refusedCall records a rate-limit refusal as a terminal FAILED row.
func (e *Engine) refusedCall(ctx context.Context, name, versionID string, input json.RawMessage, caller domain.Caller, trigger domain.Trigger, msg string) *domain.FunctionCall {
	now := time.Now().UTC()
	zero := int64(0)
	call := &domain.FunctionCall{
		ID:           domain.NewID(),
		FunctionName: name,
		VersionID:    versionID,
		Trigger:      trigger,
		CallerID:     caller.UserID,
		Status:       domain.CallFailed,
		EndedAt:      &now,
		DurationMS:   &zero,
		Input:        input,
		ErrorType:    domain.ErrTypeRateLimited,
		ErrorMessage: msg,
	}
	if err := e.store.CreateCall(ctx, call); err != nil {
		logging.Op().Error("record rate-limited call", slog.Any("error", err))
	}
	if e.met != nil {
		e.met.RecordInvocation(name, string(domain.CallFailed), string(trigger), 0)
	}
	return call
}

// run drives one admitted call from PENDING to a terminal state.
func (e *Engine) run(ctx context.Context, call *domain.FunctionCall, version *domain.FunctionVersion, input json.RawMessage) {
	timeout := e.settings.FunctionTimeout(ctx)

	runCtx, cancel := context.WithCancelCause(ctx)
	timeoutCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()
	defer cancel(nil)

	e.mu.Lock()
	e.cancels[call.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, call.ID)
		e.mu.Unlock()
	}()

	started := time.Now().UTC()

	w, err := e.pool.Lease(timeoutCtx, version)
	if err != nil {
		e.finish(ctx, call, started, func(c *domain.FunctionCall) {
			switch {
			case errors.Is(err, domain.ErrCancelled), errors.Is(context.Cause(runCtx), domain.ErrCancelled):
				c.Status = domain.CallCancelled
				c.ErrorType = domain.ErrTypeCancelled
				c.ErrorMessage = "cancelled while waiting for a worker"
			case errors.Is(err, domain.ErrTimeout), errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
				c.Status = domain.CallTimedOut
				c.ErrorType = domain.ErrTypeTimeout
				c.ErrorMessage = "no worker available before timeout"
			default:
				c.Status = domain.CallFailed
				c.ErrorType = domain.ErrTypeCrashed
				c.ErrorMessage = err.Error()
			}
		})
		return
	}

	if err := e.store.MarkCallRunning(ctx, call.ID, started); err != nil {
		// The row went terminal under us (a racing cancel); give the worker
		// back untouched.
		e.pool.Release(w, pool.OutcomeOK)
		return
	}

	resp, err := w.Invoke(timeoutCtx, call.ID, input)
	outcome := pool.OutcomeOK

	e.finish(ctx, call, started, func(c *domain.FunctionCall) {
		switch {
		case err == nil && resp.Status == "ok":
			c.Status = domain.CallSucceeded
			c.Output = resp.Output

		case err == nil && resp.Status == "error":
			c.Status = domain.CallFailed
			c.ErrorType = domain.ErrTypeUserError
			c.ErrorMessage = "function reported an error"
			if resp.Error != nil {
				if resp.Error.Type != "" {
					c.ErrorType = resp.Error.Type
				}
				c.ErrorMessage = resp.Error.Message
			}

		case err == nil:
			// Unknown status string on the wire.
			c.Status = domain.CallFailed
			c.ErrorType = domain.ErrTypeProtocol
			c.ErrorMessage = fmt.Sprintf("worker reported unknown status %q", resp.Status)
			outcome = pool.OutcomeProtocolError

		case errors.Is(context.Cause(runCtx), domain.ErrCancelled):
			c.Status = domain.CallCancelled
			c.ErrorType = domain.ErrTypeCancelled
			c.ErrorMessage = "cancelled by request"
			outcome = pool.OutcomeCrashed

		case errors.Is(err, context.DeadlineExceeded):
			c.Status = domain.CallTimedOut
			c.ErrorType = domain.ErrTypeTimeout
			c.ErrorMessage = fmt.Sprintf("exceeded %s timeout", timeout)
			outcome = pool.OutcomeCrashed

		case errors.Is(err, domain.ErrCrashed):
			c.Status = domain.CallFailed
			c.ErrorType = domain.ErrTypeCrashed
			c.ErrorMessage = err.Error()
			outcome = pool.OutcomeCrashed

		case errors.Is(err, domain.ErrProtocol):
			c.Status = domain.CallFailed
			c.ErrorType = domain.ErrTypeProtocol
			c.ErrorMessage = err.Error()
			outcome = pool.OutcomeProtocolError

		default:
			c.Status = domain.CallFailed
			c.ErrorType = domain.ErrTypeCrashed
			c.ErrorMessage = err.Error()
			outcome = pool.OutcomeCrashed
		}
		if diag := w.Stderr(); diag != "" && c.Status != domain.CallSucceeded {
			c.ErrorMessage = c.ErrorMessage + "\n" + diag
		}
	})

	e.pool.Release(w, outcome)
}

// finish stamps timing, applies the outcome, and persists the terminal row.
func (e *Engine) finish(ctx context.Context, call *domain.FunctionCall, started time.Time, apply func(*domain.FunctionCall)) {
	ended := time.Now().UTC()
	duration := ended.Sub(started).Milliseconds()
	call.StartedAt = &started
	call.EndedAt = &ended
	call.DurationMS = &duration
	apply(call)

	if err := e.store.FinishCall(ctx, call); err != nil && !errors.Is(err, domain.ErrConflict) {
		logging.Op().Error("persist call outcome",
			slog.String("call_id", call.ID), slog.Any("error", err))
	}
	if e.met != nil {
		e.met.RecordInvocation(call.FunctionName, string(call.Status), string(call.Trigger),
			time.Duration(duration)*time.Millisecond)
	}
	logging.Op().Info("call finished",
		slog.String("call_id", call.ID),
		slog.String("function", call.FunctionName),
		slog.String("status", string(call.Status)),
		slog.Int64("duration_ms", duration))
}

// Cancel flips the per-call cancel flag. Unknown or already-terminal calls
// are a no-op, so Cancel is idempotent.
func (e *Engine) Cancel(callID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[callID]
	e.mu.Unlock()
	if ok {
		cancel(domain.ErrCancelled)
	}
}

// RecoverAbandoned fails calls left non-terminal by a previous process.
// Run once on startup before the API accepts traffic.
func (e *Engine) RecoverAbandoned(ctx context.Context) error {
	n, err := e.store.SweepAbandoned(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Op().Warn("abandoned calls failed on recovery", slog.Int64("count", n))
	}
	return nil
}

func authorize(fn *domain.FunctionDefinition, caller domain.Caller) error {
	if caller.System {
		return nil
	}
	switch fn.AuthLevel {
	case domain.AuthPublic, "":
		return nil
	case domain.AuthUser:
		if caller.UserID == "" {
			return fmt.Errorf("function %s requires authentication: %w", fn.Name, domain.ErrUnauthorized)
		}
		return nil
	case domain.AuthAdmin:
		if caller.UserID == "" {
			return fmt.Errorf("function %s requires authentication: %w", fn.Name, domain.ErrUnauthorized)
		}
		if !caller.IsAdmin {
			return fmt.Errorf("function %s requires admin: %w", fn.Name, domain.ErrForbidden)
		}
		return nil
	}
	return fmt.Errorf("function %s has unknown auth level %q: %w", fn.Name, fn.AuthLevel, domain.ErrInternal)
}
