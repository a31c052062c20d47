package multigpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/samcharles93/culapack/internal/logger"
	"github.com/samcharles93/culapack/pkg/gpu"
)

const queueDepth = 64

type taskKind int

const (
	setupTask taskKind = iota
	tileTask
	teardownTask
)

func (k taskKind) String() string {
	switch k {
	case setupTask:
		return "setup"
	case tileTask:
		return "tile"
	default:
		return "teardown"
	}
}

// command is the work a task carries. Commands hold their operands by value
// and are executed exactly once, by the worker the task was sent to.
type command interface {
	exec(w *worker) error
}

// plan is the per-device state a setup command creates for the tiles of one
// call.
type plan interface {
	free(h *gpu.Handle) error
}

type task struct {
	id   uuid.UUID
	kind taskKind
	info TaskInfo
	cmd  command
	op   *operation
	// done is the task's future. It receives exactly one value.
	done chan error
}

// worker owns one device. Tasks run in the order they were queued.
type worker struct {
	ordinal int
	h       *gpu.Handle
	queue   chan *task
	plan    plan
	log     logger.Logger

	done    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func (w *worker) loop(wg *sync.WaitGroup) {
	defer wg.Done()
	for t := range w.queue {
		t.done <- w.run(t)
	}
}

func (w *worker) run(t *task) error {
	// Tiles after a failure are not started; teardown always runs.
	if t.kind != teardownTask && t.op.failed.Load() {
		if t.kind == tileTask {
			w.skipped.Add(1)
		}
		return nil
	}
	err := t.cmd.exec(w)
	if t.kind == tileTask {
		w.done.Add(1)
	}
	if err != nil {
		t.op.failed.Store(true)
		w.failed.Add(1)
		w.log.ForRoutine(t.info.Routine).Debug("task failed", "task", t.id, "kind", t.kind, "error", err)
		return fmt.Errorf("%s %s task on device %d: %w", t.info.Routine, t.kind, w.ordinal, err)
	}
	if t.kind == tileTask {
		w.log.ForRoutine(t.info.Routine).Debug("task done", "task", t.id,
			"row", t.info.Row, "col", t.info.Col, "rows", t.info.Rows, "cols", t.info.Cols)
	}
	return nil
}

var errNoPlan = errors.New("multigpu: task has no plan on this device")

// planOf returns the worker's current plan as P.
func planOf[P plan](w *worker) (P, error) {
	p, ok := w.plan.(P)
	if !ok {
		var zero P
		return zero, errNoPlan
	}
	return p, nil
}

type teardown struct{}

func (teardown) exec(w *worker) error {
	if w.plan == nil {
		return nil
	}
	// A failed tile can leave copies queued on either stream.
	err := errors.Join(w.h.Synchronize(), w.plan.free(w.h))
	w.plan = nil
	return err
}
