package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/culapack/internal/config"
	"github.com/samcharles93/culapack/internal/harness"
	"github.com/samcharles93/culapack/internal/logger"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/device/cudadrv"
	"github.com/samcharles93/culapack/pkg/device/sim"
	"github.com/samcharles93/culapack/pkg/device/sim/kernels"
	"github.com/samcharles93/culapack/pkg/multigpu"
)

func openDriver() (device.Driver, error) {
	switch driverName {
	case "cuda":
		return cudadrv.Open()
	case "", "sim":
		return sim.New(sim.Config{Devices: int(simDevices), Images: kernels.Images()}), nil
	}
	return nil, fmt.Errorf("unknown driver %q", driverName)
}

// errorHandler reports rejected arguments and failed device calls to log.
func errorHandler(log logger.Logger) *blas.ErrorHandler {
	return &blas.ErrorHandler{
		Param: func(routine string, index int) {
			log.ForRoutine(routine).Debug("illegal parameter", "index", index)
		},
		Device: func(call, routine, file string, line int, code int) {
			log.ForRoutine(routine).Error("device call failed", "call", call, "file", file, "line", line, "code", code)
		},
	}
}

// session owns a driver, an optional device pool and the engine running
// jobs on them.
type session struct {
	drv    device.Driver
	pool   *multigpu.Pool
	engine *harness.Engine
}

// openSession opens the configured driver. The pool is only created when
// withPool is set since it claims every selected device.
func openSession(ctx context.Context, cfg config.Config, withPool bool) (*session, error) {
	log := logger.FromContext(ctx)
	drv, err := openDriver()
	if err != nil {
		return nil, fmt.Errorf("open %s driver: %w", driverName, err)
	}
	devices, err := parseInts(deviceList)
	if err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}
	errs := errorHandler(log)

	s := &session{drv: drv}
	if withPool {
		s.pool, err = multigpu.New(drv, multigpu.Config{
			Devices:  devices,
			Tuning:   cfg.Tuning,
			Logger:   log,
			Errors:   errs,
			ImageDir: imageDir,
		})
		if err != nil {
			return nil, fmt.Errorf("create device pool: %w", err)
		}
	}
	ord := 0
	if len(devices) > 0 {
		ord = devices[0]
	}
	s.engine = harness.New(harness.Config{
		Driver:   drv,
		Device:   ord,
		ImageDir: imageDir,
		Pool:     s.pool,
		Errors:   errs,
		Logger:   log,
	})
	log.Debug("session open", "driver", drv.Name(), "pool", s.pool != nil, "devices", devices)
	return s, nil
}

func (s *session) Close() error {
	err := s.engine.Close()
	if s.pool != nil {
		err = errors.Join(err, s.pool.Close())
	}
	return err
}
