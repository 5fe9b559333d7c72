package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/stratabase/strata/internal/domain"
)

// WorkerResponse is the single frame a worker writes per invocation.
type WorkerResponse struct {
	CallID string          `json:"call_id"`
	Status string          `json:"status"` // ok | error
	Output json.RawMessage `json:"output,omitempty"`
	Error  *WorkerError    `json:"error,omitempty"`
}

// WorkerError carries a user-space failure reported by the function body.
type WorkerError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type workerRequest struct {
	CallID string          `json:"call_id"`
	Method string          `json:"method,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// Worker is one subprocess pinned to a (function, version) pair. Invoke and
// Describe are not safe for concurrent use; the pool guarantees exclusivity
// via leasing.
type Worker interface {
	ID() string
	Invoke(ctx context.Context, callID string, input json.RawMessage) (*WorkerResponse, error)
	Describe(ctx context.Context) (*WorkerResponse, error)
	Kill() error
	Alive() bool
	Stderr() string
}

// procWorker runs the function harness as a child process and speaks the
// frame protocol over its stdin/stdout. Stderr is captured for diagnostics.
type procWorker struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdout io.ReadCloser

	mu     sync.Mutex
	stderr bytes.Buffer
	exited bool
	waited chan struct{}
}

// SpawnConfig describes how to start worker processes.
type SpawnConfig struct {
	// Runner is the interpreter, e.g. "python3".
	Runner string
	// HarnessPath is the script that loads the function and runs the frame
	// loop.
	HarnessPath string
	// WorkDir receives per-version source files.
	WorkDir string
	// Endpoint and Token let the function body call back into the server.
	Endpoint string
	Token    string
}

// ProcessSpawner materializes the function source on disk and starts the
// harness with the prepared dependency environment on PYTHONPATH.
type ProcessSpawner struct {
	cfg      SpawnConfig
	resolver *Resolver
}

func NewProcessSpawner(cfg SpawnConfig, resolver *Resolver) *ProcessSpawner {
	return &ProcessSpawner{cfg: cfg, resolver: resolver}
}

// Spawn starts one worker for the version. The source file is written once
// per version and shared between workers.
func (s *ProcessSpawner) Spawn(ctx context.Context, v *domain.FunctionVersion) (Worker, error) {
	dir := filepath.Join(s.cfg.WorkDir, v.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	sourcePath := filepath.Join(dir, "function.py")
	if _, err := os.Stat(sourcePath); os.IsNotExist(err) {
		if err := os.WriteFile(sourcePath, []byte(v.SourceText), 0o644); err != nil {
			return nil, fmt.Errorf("write function source: %w", err)
		}
	}

	envPath, err := s.resolver.Prepare(ctx, v.InlineDeps)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.cfg.Runner, s.cfg.HarnessPath, sourcePath)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"PYTHONPATH="+envPath,
		"STRATA_ENDPOINT="+s.cfg.Endpoint,
		"STRATA_TOKEN="+s.cfg.Token,
		"STRATA_FUNCTION="+v.FunctionName,
		"STRATA_VERSION="+v.ID,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	w := &procWorker{
		id:     domain.NewID(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		waited: make(chan struct{}),
	}
	cmd.Stderr = &stderrWriter{w: w}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	go func() {
		cmd.Wait()
		w.mu.Lock()
		w.exited = true
		w.mu.Unlock()
		close(w.waited)
	}()
	return w, nil
}

// stderrWriter funnels worker stderr into the bounded diagnostic buffer.
type stderrWriter struct {
	w *procWorker
}

const maxStderrBytes = 64 << 10

func (sw *stderrWriter) Write(p []byte) (int, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if remain := maxStderrBytes - sw.w.stderr.Len(); remain > 0 {
		if len(p) > remain {
			sw.w.stderr.Write(p[:remain])
		} else {
			sw.w.stderr.Write(p)
		}
	}
	return len(p), nil
}

func (w *procWorker) ID() string { return w.id }

// Invoke sends one request frame and waits for the matching response. A
// mismatched call_id, framing failure, or early exit is a protocol error;
// the caller must evict the worker afterwards.
func (w *procWorker) Invoke(ctx context.Context, callID string, input json.RawMessage) (*WorkerResponse, error) {
	return w.exchange(ctx, workerRequest{CallID: callID, Input: input})
}

// Describe asks the harness for the loaded module's self-reported metadata
// (auth level, tags, docstring).
func (w *procWorker) Describe(ctx context.Context) (*WorkerResponse, error) {
	return w.exchange(ctx, workerRequest{CallID: domain.NewID(), Method: "describe"})
}

func (w *procWorker) exchange(ctx context.Context, req workerRequest) (*WorkerResponse, error) {
	if err := WriteFrame(w.stdin, req); err != nil {
		return nil, w.wireError("send request", err)
	}

	type result struct {
		resp *WorkerResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var resp WorkerResponse
		if err := ReadFrame(w.stdout, &resp); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{resp: &resp}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, w.wireError("read response", r.err)
		}
		if r.resp.CallID != req.CallID {
			return nil, fmt.Errorf("response for call %s while waiting on %s: %w",
				r.resp.CallID, req.CallID, domain.ErrProtocol)
		}
		return r.resp, nil
	}
}

// wireError separates a dead process from a live one speaking garbage: a
// worker that exited or closed its pipes mid-exchange crashed; a framing
// failure from a live worker is a protocol violation.
func (w *procWorker) wireError(op string, err error) error {
	if !w.Alive() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrCrashed)
	}
	return fmt.Errorf("%s: %v: %w", op, err, domain.ErrProtocol)
}

func (w *procWorker) Kill() error {
	w.mu.Lock()
	exited := w.exited
	w.mu.Unlock()
	if exited {
		return nil
	}
	w.stdin.Close()
	if w.cmd.Process != nil {
		if err := w.cmd.Process.Signal(syscall.SIGKILL); err != nil && !exitedError(err) {
			return fmt.Errorf("kill worker: %w", err)
		}
	}
	return nil
}

func exitedError(err error) bool {
	return err == os.ErrProcessDone
}

func (w *procWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.exited
}

func (w *procWorker) Stderr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stderr.String()
}
