// Package multigpu runs BLAS and LAPACK routines on host-resident matrices
// across a pool of devices.
//
// A Pool owns one gpu.Handle and one worker goroutine per device. Every
// distributed call splits its index space into tiles, submits one task per
// tile to the workers in round-robin order and joins all of them before
// returning. Each task is executed by the worker that owns the device, so a
// context is never used by two tasks at once. Calls on one Pool are
// serialized.
package multigpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/culapack/internal/logger"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/gpu"
	"github.com/samcharles93/culapack/pkg/tuning"
)

// Config configures a Pool.
type Config struct {
	// Devices are the ordinals to open. Empty opens every device.
	Devices []int
	// Tuning overrides the default block sizes field by field.
	Tuning tuning.Set
	// Logger receives debug records. Nil discards them.
	Logger logger.Logger
	// Errors receives parameter and device errors. Nil disables callbacks.
	Errors *blas.ErrorHandler
	// ImageDir is passed on to every device handle.
	ImageDir string
	// OnTask, when set, is called for every tile task as it is submitted. It
	// must not call back into the Pool.
	OnTask func(TaskInfo)
}

// TaskInfo describes one submitted tile task.
type TaskInfo struct {
	ID      uuid.UUID
	Routine string
	Device  int
	// Row, Col, Rows and Cols are the extent of the output the task writes.
	Row, Col   int
	Rows, Cols int
}

// DeviceStats counts the tile tasks a device has handled.
type DeviceStats struct {
	Ordinal int   `json:"ordinal"`
	Tasks   int64 `json:"tasks"`
	Skipped int64 `json:"skipped"`
	Failed  int64 `json:"failed"`
}

// Pool is a set of devices with one worker each.
type Pool struct {
	cfg     Config
	tuning  tuning.Set
	log     logger.Logger
	workers []*worker
	wg      sync.WaitGroup

	// mu is held for the whole of every distributed call.
	mu     sync.Mutex
	closed bool
}

// New opens the configured devices of drv and starts their workers.
func New(drv device.Driver, cfg Config) (*Pool, error) {
	set := tuning.Default().Merge(cfg.Tuning)
	if err := set.Validate(); err != nil {
		return nil, err
	}
	ordinals := cfg.Devices
	if len(ordinals) == 0 {
		n, err := drv.DeviceCount()
		if err != nil {
			return nil, fmt.Errorf("count devices: %w", err)
		}
		for i := range n {
			ordinals = append(ordinals, i)
		}
	}
	if len(ordinals) == 0 {
		return nil, errors.New("multigpu: no devices")
	}

	p := &Pool{cfg: cfg, tuning: set, log: logger.OrDiscard(cfg.Logger)}
	hc := gpu.Config{Errors: cfg.Errors, Logger: cfg.Logger, ImageDir: cfg.ImageDir}
	for _, ord := range ordinals {
		h, err := gpu.Create(drv, ord, hc)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open device %d: %w", ord, err), p.Close())
		}
		w := &worker{
			ordinal: ord,
			h:       h,
			queue:   make(chan *task, queueDepth),
			log:     p.log.ForDevice(ord),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go w.loop(&p.wg)
	}
	p.log.Debug("pool ready", "driver", drv.Name(), "devices", ordinals)
	return p, nil
}

// Close stops the workers and releases every device. It is safe to call more
// than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.queue)
	}
	p.wg.Wait()
	var errs []error
	for _, w := range p.workers {
		if err := w.h.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("device %d: %w", w.ordinal, err))
		}
	}
	return errors.Join(errs...)
}

// Devices returns the ordinals of the pool's devices in scheduling order.
func (p *Pool) Devices() []int {
	out := make([]int, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.ordinal
	}
	return out
}

// Tuning returns the block sizes in effect.
func (p *Pool) Tuning() tuning.Set { return p.tuning }

// Stats returns the task counters of every device.
func (p *Pool) Stats() []DeviceStats {
	out := make([]DeviceStats, len(p.workers))
	for i, w := range p.workers {
		out[i] = DeviceStats{
			Ordinal: w.ordinal,
			Tasks:   w.done.Load(),
			Skipped: w.skipped.Load(),
			Failed:  w.failed.Load(),
		}
	}
	return out
}

var errClosed = errors.New("multigpu: pool is closed")

// operation is one distributed call. It owns the futures of its tasks and
// the flag that makes the remaining tiles skip once any task failed.
type operation struct {
	p       *Pool
	routine string
	used    []*worker
	next    int
	tiles   int
	failed  atomic.Bool
	g       errgroup.Group
}

// begin locks the pool for a call that will submit tiles tasks and sends
// setup to every worker that will receive one of them.
func (p *Pool) begin(routine string, tiles int, setup command) (*operation, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosed
	}
	op := &operation{p: p, routine: routine, used: p.workers[:min(tiles, len(p.workers))]}
	for _, w := range op.used {
		op.submit(w, setupTask, TaskInfo{Routine: routine}, setup)
	}
	p.log.ForRoutine(routine).Debug("distributing", "tiles", tiles, "devices", len(op.used))
	return op, nil
}

// tile submits a tile task to the next worker.
func (op *operation) tile(info TaskInfo, cmd command) {
	w := op.used[op.next%len(op.used)]
	op.next++
	op.tiles++
	info.Routine = op.routine
	op.submit(w, tileTask, info, cmd)
}

func (op *operation) submit(w *worker, k taskKind, info TaskInfo, cmd command) {
	t := &task{id: uuid.New(), kind: k, info: info, cmd: cmd, op: op, done: make(chan error, 1)}
	t.info.ID, t.info.Device = t.id, w.ordinal
	if k == tileTask && op.p.cfg.OnTask != nil {
		op.p.cfg.OnTask(t.info)
	}
	w.queue <- t
	op.g.Go(func() error { return <-t.done })
}

// wait tears down the workers' plans, joins every future and unlocks the
// pool. The first error of any task is returned.
func (op *operation) wait() error {
	defer op.p.mu.Unlock()
	for _, w := range op.used {
		op.submit(w, teardownTask, TaskInfo{Routine: op.routine}, teardown{})
	}
	err := op.g.Wait()
	if err != nil {
		op.p.log.ForRoutine(op.routine).Debug("distributed call failed", "tiles", op.tiles, "error", err)
	}
	return err
}
