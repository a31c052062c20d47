package sim

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/culapack/pkg/device"
)

const queueDepth = 256

type task struct {
	run func() error
	// always tasks run even after the stream failed, so that events recorded
	// on a failed stream still release their waiters.
	always bool
}

// Stream implements device.Stream with a goroutine that runs queued tasks in
// submission order. The first failing task poisons the stream: later tasks
// are skipped and every later call reports the error.
type Stream struct {
	ctx   *Context
	tasks chan task
	wg    sync.WaitGroup
	done  chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

var _ device.Stream = (*Stream)(nil)

func newStream(c *Context) *Stream {
	s := &Stream{
		ctx:   c,
		tasks: make(chan task, queueDepth),
		done:  make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	defer close(s.done)
	for t := range s.tasks {
		if t.always || s.failed() == nil {
			if err := t.run(); err != nil {
				s.fail(err)
			}
		}
		s.wg.Done()
	}
}

func (s *Stream) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Stream) submit(call string, t task) error {
	if err := s.ctx.enter(call); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return device.ErrInvalidHandle
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.wg.Add(1)
	s.mu.Unlock()
	s.tasks <- t
	return nil
}

func (s *Stream) Memcpy2DAsync(c device.Copy2D) error {
	if err := c.Validate(); err != nil {
		return device.ErrInvalidValue
	}
	return s.submit("Memcpy2DAsync", task{run: func() error { return s.ctx.copy2D(c) }})
}

func (s *Stream) Launch(fn device.Function, grid, block device.Dim3, args ...any) error {
	f, ok := fn.(*Function)
	if !ok || f.mod.ctx != s.ctx || f.mod.unloaded.Load() {
		return device.ErrInvalidHandle
	}
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 || block.X <= 0 || block.Y <= 0 || block.Z <= 0 {
		return device.ErrInvalidValue
	}
	l := &Launch{Grid: grid, Block: block, Args: args, ctx: s.ctx}
	workers := s.ctx.drv.cfg.Workers
	return s.submit("Launch "+f.name, task{run: func() error {
		s.ctx.stats.launches.Add(1)
		return runGrid(f, l, workers)
	}})
}

func (s *Stream) Record(e device.Event) error {
	ev, ok := e.(*Event)
	if !ok {
		return device.ErrInvalidHandle
	}
	ch := ev.arm()
	err := s.submit("Record", task{always: true, run: func() error {
		close(ch)
		return nil
	}})
	if err != nil {
		close(ch)
	}
	return err
}

func (s *Stream) Wait(e device.Event) error {
	ev, ok := e.(*Event)
	if !ok {
		return device.ErrInvalidHandle
	}
	ch := ev.current()
	return s.submit("Wait", task{run: func() error {
		<-ch
		return nil
	}})
}

func (s *Stream) Synchronize() error {
	if err := s.ctx.drv.fault("StreamSynchronize", s.ctx.ordinal); err != nil {
		return err
	}
	s.wg.Wait()
	return s.failed()
}

func (s *Stream) Destroy() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return device.ErrInvalidHandle
	}
	s.shutdown()
	s.ctx.removeStream(s)
	return nil
}

// shutdown drains the queue and stops the worker.
func (s *Stream) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	close(s.tasks)
	<-s.done
}

// runGrid executes every block of the launch, spreading blocks over at most
// workers goroutines. A panicking kernel fails the launch the way a device
// fault would.
func runGrid(f *Function, l *Launch, workers int) error {
	total := l.Grid.Count()
	workers = min(workers, total)
	per := (total + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo, hi := w*per, min((w+1)*per, total)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sim: kernel %s: %v: %w", f.name, r, device.ErrLaunchFailed)
				}
			}()
			for b := lo; b < hi; b++ {
				if err := f.kernel(l, blockIndex(b, l.Grid)); err != nil {
					return fmt.Errorf("sim: kernel %s: %v: %w", f.name, err, device.ErrLaunchFailed)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func blockIndex(linear int, grid device.Dim3) device.Dim3 {
	plane := grid.X * grid.Y
	return device.Dim3{X: linear % grid.X, Y: linear % plane / grid.X, Z: linear / plane}
}

// Event implements device.Event. Each Record arms a fresh channel that the
// recording stream closes when it reaches that point.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
}

var _ device.Event = (*Event)(nil)

func newEvent() *Event {
	ch := make(chan struct{})
	close(ch)
	return &Event{ch: ch}
}

func (e *Event) arm() chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	e.ch = ch
	e.mu.Unlock()
	return ch
}

func (e *Event) current() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *Event) Synchronize() error {
	<-e.current()
	return nil
}

func (e *Event) Destroy() error { return nil }
