// Package orchestrator supervises the pipeline's long-running processes:
// per-process restart with exponential backoff, a periodic health job with
// overlap prevention through an in-process flag (no lock file is used, so
// the guard does not extend across processes), and a polled kill-switch.
// Grounded on
// the teacher's cmd/scanner/main.go run loop shape (ticker + select,
// signal.NotifyContext, STOP-file kill switch) generalized to supervise
// multiple named workers instead of one scan loop.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

const maxBackoff = 60 * time.Second

// Worker is a supervised unit of work. It should run until ctx is
// cancelled or an unrecoverable error occurs, returning that error.
type Worker func(ctx context.Context) error

// Supervisor restarts named workers with exponential backoff on failure
// and runs a periodic job (e.g. health reporting) guarded against
// overlapping runs.
type Supervisor struct {
	workers map[string]Worker
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{workers: make(map[string]Worker)}
}

// Register adds a named worker to the supervision set.
func (s *Supervisor) Register(name string, w Worker) {
	s.workers[name] = w
}

// Run starts every registered worker in its own goroutine and blocks until
// ctx is cancelled and all workers have exited.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name, w := range s.workers {
		wg.Add(1)
		go func(name string, w Worker) {
			defer wg.Done()
			s.superviseOne(ctx, name, w)
		}(name, w)
	}
	wg.Wait()
}

func (s *Supervisor) superviseOne(ctx context.Context, name string, w Worker) {
	backoff := 500 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		err := w(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			slog.Info("worker exited cleanly", "worker", name)
			return
		}
		slog.Error("worker crashed, restarting", "worker", name, "err", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// PeriodicJob runs fn every interval, skipping a tick if the previous run
// is still in flight (a lockfile in spirit; here a simple in-process
// bool since all jobs run in the same process).
func PeriodicJob(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var mu sync.Mutex
	running := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			if running {
				mu.Unlock()
				slog.Warn("periodic job overlap, skipping tick")
				continue
			}
			running = true
			mu.Unlock()

			fn(ctx)

			mu.Lock()
			running = false
			mu.Unlock()
		}
	}
}

// KillSwitch polls for a sentinel file's existence; when present, new
// position entries should be rejected (internal/execution consults this
// via its KillSwitchActiveFunc).
type KillSwitch struct {
	path string
}

// NewKillSwitch creates a KillSwitch polling the given sentinel path.
func NewKillSwitch(path string) *KillSwitch {
	return &KillSwitch{path: path}
}

// Active reports whether the sentinel file currently exists.
func (k *KillSwitch) Active() bool {
	_, err := os.Stat(k.path)
	return err == nil
}
