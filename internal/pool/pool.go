package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratabase/strata/internal/domain"
	"github.com/stratabase/strata/internal/logging"
	"github.com/stratabase/strata/internal/metrics"
)

// State is the lifecycle position of one managed worker.
type State string

const (
	StateSpawning State = "spawning"
	StateIdle     State = "idle"
	StateLeased   State = "leased"
	StateDraining State = "draining"
	StateExited   State = "exited"
	StateCrashed  State = "crashed"
	StateEvicted  State = "evicted"
)

// Outcome is what the caller reports back with the worker on release.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeProtocolError Outcome = "protocol_error"
	OutcomeCrashed       Outcome = "crashed"
)

// Spawner starts a new worker process for a function version.
type Spawner interface {
	Spawn(ctx context.Context, v *domain.FunctionVersion) (Worker, error)
}

// Config bounds the pool. PoolSize is per (function, version); SpawnCap is
// global across all partitions.
type Config struct {
	PoolSize     int
	ColdStartTTL time.Duration
	SpawnCap     int
}

type managed struct {
	worker  Worker
	version *domain.FunctionVersion
	key     string
	state   State
	// idleUntil is the TTL deadline while IDLE.
	idleUntil time.Time
	// drain marks a leased worker for eviction on release after a newer
	// version went active.
	drain bool
}

type partition struct {
	idle []*managed
}

// Pool keeps warm workers partitioned by (function, version). Lease blocks
// until an idle worker frees, a spawn slot opens, or the context deadline
// passes.
type Pool struct {
	spawner Spawner
	cfg     Config
	met     *metrics.Metrics

	mu     sync.Mutex
	parts  map[string]*partition
	byID   map[string]*managed
	live   int // workers counted against SpawnCap, any non-terminal state
	waitCh chan struct{}
	closed bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

func partKey(fn, versionID string) string { return fn + "@" + versionID }

func New(spawner Spawner, cfg Config, met *metrics.Metrics) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.ColdStartTTL <= 0 {
		cfg.ColdStartTTL = 60 * time.Second
	}
	if cfg.SpawnCap <= 0 {
		cfg.SpawnCap = 32
	}
	p := &Pool{
		spawner:   spawner,
		cfg:       cfg,
		met:       met,
		parts:     make(map[string]*partition),
		byID:      make(map[string]*managed),
		waitCh:    make(chan struct{}),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Lease returns a worker for the version, exclusively owned by the caller
// until Release. Warm workers are preferred, newest first. When none is
// idle and the global cap is reached, Lease waits for a release until the
// context deadline and then fails with a timeout.
func (p *Pool) Lease(ctx context.Context, v *domain.FunctionVersion) (Worker, error) {
	key := partKey(v.FunctionName, v.ID)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closed")
		}

		if part := p.parts[key]; part != nil && len(part.idle) > 0 {
			// LIFO keeps the most recently used worker hot.
			m := part.idle[len(part.idle)-1]
			part.idle = part.idle[:len(part.idle)-1]
			m.state = StateLeased
			p.updateGaugesLocked()
			p.mu.Unlock()
			return m.worker, nil
		}

		if p.live < p.cfg.SpawnCap {
			p.live++
			p.mu.Unlock()
			return p.spawn(ctx, v, key)
		}

		ch := p.waitCh
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			// A cancelled caller is not a timed-out one; the two record
			// different terminal states.
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("lease wait for %s: %v: %w", key, context.Cause(ctx), domain.ErrCancelled)
			}
			return nil, fmt.Errorf("no worker for %s before deadline: %w", key, domain.ErrTimeout)
		}
	}
}

func (p *Pool) spawn(ctx context.Context, v *domain.FunctionVersion, key string) (Worker, error) {
	w, err := p.spawner.Spawn(ctx, v)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.wakeLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("spawn worker for %s: %w", key, err)
	}

	m := &managed{worker: w, version: v, key: key, state: StateLeased}
	p.mu.Lock()
	p.byID[w.ID()] = m
	p.updateGaugesLocked()
	p.mu.Unlock()

	if p.met != nil {
		p.met.RecordWorkerSpawn()
	}
	logging.Op().Debug("worker spawned",
		slog.String("function", v.FunctionName),
		slog.String("version_id", v.ID),
		slog.String("worker_id", w.ID()))
	return w, nil
}

// Release returns a leased worker. OutcomeOK re-idles a live, undrained
// worker while the partition has room; every other path evicts it.
func (p *Pool) Release(w Worker, outcome Outcome) {
	p.mu.Lock()
	m, ok := p.byID[w.ID()]
	if !ok {
		p.mu.Unlock()
		return
	}

	if outcome == OutcomeOK && w.Alive() && !m.drain {
		part := p.parts[m.key]
		if part == nil {
			part = &partition{}
			p.parts[m.key] = part
		}
		if len(part.idle) < p.cfg.PoolSize {
			m.state = StateIdle
			m.idleUntil = time.Now().Add(p.cfg.ColdStartTTL)
			part.idle = append(part.idle, m)
			p.wakeLocked()
			p.updateGaugesLocked()
			p.mu.Unlock()
			return
		}
	}

	p.evictLocked(m, stateFor(outcome))
	p.mu.Unlock()
	w.Kill()
}

func stateFor(outcome Outcome) State {
	switch outcome {
	case OutcomeCrashed:
		return StateCrashed
	case OutcomeProtocolError:
		return StateCrashed
	}
	return StateEvicted
}

// evictLocked removes m from the books and frees its spawn slot. The caller
// kills the process outside the lock.
func (p *Pool) evictLocked(m *managed, terminal State) {
	if part := p.parts[m.key]; part != nil {
		for i, other := range part.idle {
			if other == m {
				part.idle = append(part.idle[:i], part.idle[i+1:]...)
				break
			}
		}
	}
	delete(p.byID, m.worker.ID())
	m.state = terminal
	p.live--
	p.wakeLocked()
	p.updateGaugesLocked()
	if p.met != nil {
		p.met.RecordWorkerEvict()
	}
}

// Describe leases a worker pinned to v, asks it for the module's
// self-reported metadata, and releases the worker back to the pool.
func (p *Pool) Describe(ctx context.Context, v *domain.FunctionVersion) (json.RawMessage, error) {
	w, err := p.Lease(ctx, v)
	if err != nil {
		return nil, err
	}
	resp, err := w.Describe(ctx)
	if err != nil {
		p.Release(w, OutcomeProtocolError)
		return nil, err
	}
	if resp.Status != "ok" {
		p.Release(w, OutcomeProtocolError)
		return nil, fmt.Errorf("worker describe refused: %w", domain.ErrProtocol)
	}
	p.Release(w, OutcomeOK)
	return resp.Output, nil
}

// DrainVersions retires workers of every version of fn except activeID:
// idle ones exit now, leased ones are marked and evicted on release.
func (p *Pool) DrainVersions(fn, activeID string) {
	var kill []Worker

	p.mu.Lock()
	for _, m := range p.byID {
		if m.version.FunctionName != fn || m.version.ID == activeID {
			continue
		}
		switch m.state {
		case StateIdle:
			m.state = StateDraining
			p.evictLocked(m, StateEvicted)
			kill = append(kill, m.worker)
		case StateLeased:
			m.drain = true
		}
	}
	p.mu.Unlock()

	for _, w := range kill {
		w.Kill()
	}
	if len(kill) > 0 {
		logging.Op().Info("drained stale workers",
			slog.String("function", fn), slog.Int("count", len(kill)))
	}
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	interval := p.cfg.ColdStartTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case now := <-ticker.C:
			p.sweepExpired(now)
		}
	}
}

func (p *Pool) sweepExpired(now time.Time) {
	var kill []Worker

	p.mu.Lock()
	for _, m := range p.byID {
		if m.state == StateIdle && now.After(m.idleUntil) {
			m.state = StateDraining
			p.evictLocked(m, StateExited)
			kill = append(kill, m.worker)
		}
	}
	p.mu.Unlock()

	for _, w := range kill {
		w.Kill()
	}
}

// Stats reports live worker counts by state.
func (p *Pool) Stats() (idle, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countsLocked()
}

func (p *Pool) countsLocked() (idle, leased int) {
	for _, m := range p.byID {
		switch m.state {
		case StateIdle:
			idle++
		case StateLeased:
			leased++
		}
	}
	return idle, leased
}

func (p *Pool) updateGaugesLocked() {
	if p.met == nil {
		return
	}
	idle, leased := p.countsLocked()
	p.met.SetPoolWorkers(string(StateIdle), idle)
	p.met.SetPoolWorkers(string(StateLeased), leased)
}

func (p *Pool) wakeLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// Close kills every worker and stops the sweeper.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var kill []Worker
	for _, m := range p.byID {
		kill = append(kill, m.worker)
	}
	p.byID = make(map[string]*managed)
	p.parts = make(map[string]*partition)
	p.live = 0
	p.wakeLocked()
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone
	for _, w := range kill {
		w.Kill()
	}
}
