package pool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratabase/strata/internal/domain"
)

type fakeWorker struct {
	id    string
	alive atomic.Bool
}

func (w *fakeWorker) ID() string { return w.id }
func (w *fakeWorker) Invoke(_ context.Context, callID string, _ json.RawMessage) (*WorkerResponse, error) {
	return &WorkerResponse{CallID: callID, Status: "ok"}, nil
}
func (w *fakeWorker) Describe(_ context.Context) (*WorkerResponse, error) {
	return &WorkerResponse{Status: "ok", Output: json.RawMessage(`{"description":"fake"}`)}, nil
}
func (w *fakeWorker) Kill() error {
	w.alive.Store(false)
	return nil
}
func (w *fakeWorker) Alive() bool    { return w.alive.Load() }
func (w *fakeWorker) Stderr() string { return "" }

type fakeSpawner struct {
	mu      sync.Mutex
	spawned int
}

func (s *fakeSpawner) Spawn(_ context.Context, _ *domain.FunctionVersion) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned++
	w := &fakeWorker{id: domain.NewID()}
	w.alive.Store(true)
	return w, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func version(fn, id string) *domain.FunctionVersion {
	return &domain.FunctionVersion{ID: id, FunctionName: fn}
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	p := New(sp, cfg, nil)
	t.Cleanup(p.Close)
	return p, sp
}

func TestLeaseReusesWarmWorker(t *testing.T) {
	p, sp := newTestPool(t, Config{PoolSize: 2, SpawnCap: 4, ColdStartTTL: time.Minute})
	v := version("greet", "v1")
	ctx := context.Background()

	w1, err := p.Lease(ctx, v)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(w1, OutcomeOK)

	w2, err := p.Lease(ctx, v)
	if err != nil {
		t.Fatal(err)
	}
	if w1.ID() != w2.ID() {
		t.Fatal("warm worker not reused")
	}
	if sp.count() != 1 {
		t.Fatalf("want 1 spawn, got %d", sp.count())
	}
}

func TestDescribeReleasesWorkerBackToPool(t *testing.T) {
	p, sp := newTestPool(t, Config{PoolSize: 2, SpawnCap: 4, ColdStartTTL: time.Minute})
	v := version("greet", "v1")

	meta, err := p.Describe(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta) == 0 {
		t.Fatal("empty describe output")
	}

	// The describe worker went back to idle; the next lease reuses it.
	if _, err := p.Lease(context.Background(), v); err != nil {
		t.Fatal(err)
	}
	if sp.count() != 1 {
		t.Fatalf("want 1 spawn, got %d", sp.count())
	}
}

func TestLeaseTimesOutAtSpawnCap(t *testing.T) {
	p, _ := newTestPool(t, Config{PoolSize: 1, SpawnCap: 1, ColdStartTTL: time.Minute})
	v := version("greet", "v1")

	w, err := p.Lease(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Lease(ctx, v); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}

	p.Release(w, OutcomeOK)
}

func TestLeaseCancelledWhileWaitingIsNotTimeout(t *testing.T) {
	p, _ := newTestPool(t, Config{PoolSize: 1, SpawnCap: 1, ColdStartTTL: time.Minute})
	v := version("greet", "v1")

	w, err := p.Lease(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(w, OutcomeOK)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Lease(ctx, v)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
	if errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("a cancelled wait must not classify as timeout: %v", err)
	}
}

func TestLeaseWakesOnRelease(t *testing.T) {
	p, _ := newTestPool(t, Config{PoolSize: 1, SpawnCap: 1, ColdStartTTL: time.Minute})
	v := version("greet", "v1")

	w, err := p.Lease(context.Background(), v)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan Worker, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w2, err := p.Lease(ctx, v)
		if err != nil {
			t.Error(err)
			return
		}
		got <- w2
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(w, OutcomeOK)

	select {
	case w2 := <-got:
		if w2.ID() != w.ID() {
			t.Fatal("released worker should satisfy the waiter")
		}
		p.Release(w2, OutcomeOK)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestReleaseCrashedEvicts(t *testing.T) {
	p, sp := newTestPool(t, Config{PoolSize: 2, SpawnCap: 4, ColdStartTTL: time.Minute})
	v := version("greet", "v1")
	ctx := context.Background()

	w, _ := p.Lease(ctx, v)
	p.Release(w, OutcomeCrashed)
	if w.Alive() {
		t.Fatal("crashed worker must be killed")
	}

	w2, err := p.Lease(ctx, v)
	if err != nil {
		t.Fatal(err)
	}
	if w2.ID() == w.ID() {
		t.Fatal("evicted worker must not be reused")
	}
	if sp.count() != 2 {
		t.Fatalf("want 2 spawns, got %d", sp.count())
	}
	p.Release(w2, OutcomeOK)
}

func TestReleaseBeyondPoolSizeEvicts(t *testing.T) {
	p, _ := newTestPool(t, Config{PoolSize: 1, SpawnCap: 4, ColdStartTTL: time.Minute})
	v := version("greet", "v1")
	ctx := context.Background()

	w1, _ := p.Lease(ctx, v)
	w2, _ := p.Lease(ctx, v)

	p.Release(w1, OutcomeOK)
	p.Release(w2, OutcomeOK)

	idle, _ := p.Stats()
	if idle != 1 {
		t.Fatalf("partition must hold at most pool_size idle workers, got %d", idle)
	}
	if w2.Alive() {
		t.Fatal("overflow worker must exit")
	}
}

func TestDrainVersions(t *testing.T) {
	p, _ := newTestPool(t, Config{PoolSize: 2, SpawnCap: 8, ColdStartTTL: time.Minute})
	ctx := context.Background()
	v1 := version("greet", "v1")
	v2 := version("greet", "v2")

	leased, _ := p.Lease(ctx, v1)
	idle, _ := p.Lease(ctx, v1)
	p.Release(idle, OutcomeOK)

	p.DrainVersions("greet", v2.ID)

	if idle.Alive() {
		t.Fatal("idle stale worker must be killed on drain")
	}
	// The leased stale worker finishes its call, then goes away on release.
	p.Release(leased, OutcomeOK)
	if leased.Alive() {
		t.Fatal("drained leased worker must be evicted on release")
	}

	// New version is unaffected.
	wNew, err := p.Lease(ctx, v2)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(wNew, OutcomeOK)
	if !wNew.Alive() {
		t.Fatal("active version worker must survive the drain")
	}
}

func TestTTLSweepEvictsIdleWorkers(t *testing.T) {
	p, _ := newTestPool(t, Config{PoolSize: 2, SpawnCap: 4, ColdStartTTL: 10 * time.Millisecond})
	v := version("greet", "v1")

	w, _ := p.Lease(context.Background(), v)
	p.Release(w, OutcomeOK)

	p.sweepExpired(time.Now().Add(time.Second))

	if w.Alive() {
		t.Fatal("idle worker past TTL must exit")
	}
	idle, _ := p.Stats()
	if idle != 0 {
		t.Fatalf("want 0 idle, got %d", idle)
	}
}

func TestSpawnCapNeverExceeded(t *testing.T) {
	const spawnCap = 4
	p, sp := newTestPool(t, Config{PoolSize: 1, SpawnCap: spawnCap, ColdStartTTL: time.Minute})
	v := version("greet", "v1")

	var wg sync.WaitGroup
	var maxLeased atomic.Int64
	var cur atomic.Int64
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			w, err := p.Lease(ctx, v)
			if err != nil {
				return
			}
			n := cur.Add(1)
			for {
				old := maxLeased.Load()
				if n <= old || maxLeased.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
			p.Release(w, OutcomeOK)
		}()
	}
	wg.Wait()

	if got := maxLeased.Load(); got > spawnCap {
		t.Fatalf("observed %d concurrent leases, cap %d", got, spawnCap)
	}
	t.Logf("spawned %d workers for 32 leases", sp.count())
}

func TestFrameRoundTrip(t *testing.T) {
	var buf safeBuffer
	req := workerRequest{CallID: "c1", Input: json.RawMessage(`{"x":1}`)}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatal(err)
	}
	var got workerRequest
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatal(err)
	}
	if got.CallID != "c1" || string(got.Input) != `{"x":1}` {
		t.Fatalf("round trip mangled frame: %+v", got)
	}
}

func TestReadFrameGarbageIsProtocolError(t *testing.T) {
	var buf safeBuffer
	// Valid header, payload that is not JSON.
	buf.Write([]byte{0, 0, 0, 3})
	buf.Write([]byte("]]["))
	var v map[string]any
	if err := ReadFrame(&buf, &v); !errors.Is(err, domain.ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

// safeBuffer is a minimal in-memory pipe for frame tests.
type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}
