// Package gpu runs the BLAS and LAPACK routines on one device. A Handle owns
// a device context, two streams and the kernel modules loaded into the
// context; Impl dispatches the BLAS kernels on device-resident matrices and
// drives the blocked factorizations, keeping their small diagonal blocks on
// the host.
//
// A Handle must not be used by more than one goroutine at a time.
package gpu

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/samcharles93/culapack/internal/logger"
	"github.com/samcharles93/culapack/internal/registry"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
)

// Config configures a Handle.
type Config struct {
	// Errors receives parameter and device errors. Nil disables callbacks.
	Errors *blas.ErrorHandler
	// Logger receives debug records. Nil discards them.
	Logger logger.Logger
	// ImageDir is where kernel images are loaded from by drivers that read
	// files. Images are named after the routine, as in dgemm.fatbin.
	ImageDir string
}

type moduleState int

const (
	notLoaded moduleState = iota
	loaded
	failed
)

type moduleKey struct {
	family    registry.Family
	precision blas.Precision
}

// module is one kernel image and its resolved entry points.
type module struct {
	state moduleState
	mod   device.Module
	fns   map[registry.Key]device.Function
	err   error
}

// Handle is the device resource handle.
type Handle struct {
	ctx     device.Context
	streams [2]device.Stream
	errs    *blas.ErrorHandler
	log     logger.Logger
	dir     string

	mu      sync.Mutex
	modules map[moduleKey]*module
}

// Create opens device ordinal of drv and creates the handle's streams.
func Create(drv device.Driver, ordinal int, cfg Config) (*Handle, error) {
	h := &Handle{
		errs:    cfg.Errors,
		log:     logger.OrDiscard(cfg.Logger).ForDevice(ordinal),
		dir:     cfg.ImageDir,
		modules: make(map[moduleKey]*module),
	}
	ctx, err := drv.CreateContext(ordinal)
	if err != nil {
		return nil, Check(h.errs, "create", "CreateContext", err)
	}
	h.ctx = ctx
	for i := range h.streams {
		s, err := ctx.CreateStream()
		if err != nil {
			err = Check(h.errs, "create", "CreateStream", err)
			return nil, errors.Join(err, h.Destroy())
		}
		h.streams[i] = s
	}
	h.log.Debug("handle created", "driver", drv.Name())
	return h, nil
}

// Context returns the handle's device context.
func (h *Handle) Context() device.Context { return h.ctx }

// Stream returns stream i, 0 or 1.
func (h *Handle) Stream(i int) device.Stream { return h.streams[i] }

// Errors returns the handle's error callbacks.
func (h *Handle) Errors() *blas.ErrorHandler { return h.errs }

// Synchronize waits for both streams.
func (h *Handle) Synchronize() error {
	for i, s := range h.streams {
		if err := s.Synchronize(); err != nil {
			return Check(h.errs, "synchronize", fmt.Sprintf("StreamSynchronize(%d)", i), err)
		}
	}
	return nil
}

// Destroy unloads every module and releases the streams and the context.
func (h *Handle) Destroy() error {
	var errs []error
	h.mu.Lock()
	for k, m := range h.modules {
		if m.state == loaded {
			if err := m.mod.Unload(); err != nil {
				errs = append(errs, fmt.Errorf("unload %s: %w", registry.ImageName(k.family, k.precision), err))
			}
		}
	}
	h.modules = make(map[moduleKey]*module)
	h.mu.Unlock()
	for i, s := range h.streams {
		if s == nil {
			continue
		}
		if err := s.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy stream %d: %w", i, err))
		}
		h.streams[i] = nil
	}
	if h.ctx != nil {
		if err := h.ctx.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy context: %w", err))
		}
		h.ctx = nil
	}
	if len(errs) > 0 {
		h.log.Warn("handle teardown failed", "error", errors.Join(errs...))
	} else {
		h.log.Debug("handle destroyed")
	}
	return errors.Join(errs...)
}

// Function returns the kernel for key, loading its image on first use. Every
// kernel of the image is resolved at load time. A failed load is remembered
// and reported again without retrying.
func (h *Handle) Function(key registry.Key) (device.Function, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mk := moduleKey{key.Family, key.Precision}
	m, ok := h.modules[mk]
	if !ok {
		m = &module{}
		h.modules[mk] = m
	}
	switch m.state {
	case notLoaded:
		h.load(mk, m)
		if m.state == failed {
			return nil, m.err
		}
	case failed:
		return nil, m.err
	}
	fn, ok := m.fns[key]
	if !ok {
		return nil, fmt.Errorf("kernel %s: %w", key.Name(), device.ErrNotFound)
	}
	return fn, nil
}

func (h *Handle) load(k moduleKey, m *module) {
	name := registry.ImageName(k.family, k.precision)
	img := device.Image{Name: name}
	if h.dir != "" {
		img.Path = filepath.Join(h.dir, name+".fatbin")
	}
	mod, err := h.ctx.LoadModule(img)
	if err != nil {
		m.state, m.err = failed, Check(h.errs, name, "LoadModule("+name+")", err)
		return
	}
	keys := registry.Keys(k.family, k.precision)
	fns := make(map[registry.Key]device.Function, len(keys))
	for _, key := range keys {
		fn, err := mod.Function(key.Name())
		if err != nil {
			_ = mod.Unload()
			m.state, m.err = failed, Check(h.errs, name, "ModuleGetFunction("+key.Name()+")", err)
			return
		}
		fns[key] = fn
	}
	m.state, m.mod, m.fns = loaded, mod, fns
	h.log.Debug("module loaded", "image", name, "kernels", len(fns))
}
