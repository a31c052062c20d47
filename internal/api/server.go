package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/culapack/internal/harness"
	"github.com/samcharles93/culapack/internal/logger"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/multigpu"
)

// Runner executes one job. *harness.Engine implements it.
type Runner interface {
	Run(ctx context.Context, job harness.Job) (harness.Result, error)
}

// ServerConfig holds the optional parts of a Server.
type ServerConfig struct {
	// Driver and Pool are described by GET /v1/devices.
	Driver device.Driver
	Pool   *multigpu.Pool
	// RunsPerSecond limits job submissions. Zero means no limit.
	RunsPerSecond float64
	Burst         int
}

type Server struct {
	store   *RunStore
	runner  Runner
	cfg     ServerConfig
	limiter *rate.Limiter
	clock   func() time.Time
}

func NewServer(store *RunStore, runner Runner, cfg ServerConfig) *Server {
	if store == nil {
		store = NewRunStore()
	}
	s := &Server{
		store:  store,
		runner: runner,
		cfg:    cfg,
		clock:  time.Now,
	}
	if cfg.RunsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RunsPerSecond), max(cfg.Burst, 1))
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/devices", s.handleDevices)

	e.GET("/v1/runs", s.handleListRuns)
	e.POST("/v1/runs", s.handleCreateRun)
	e.GET("/v1/runs/:id", s.handleGetRun)
	e.DELETE("/v1/runs/:id", s.handleDeleteRun)
	e.POST("/v1/runs/:id/wait", s.handleWaitRun)
}

// RunRequest is a job plus how to run it.
type RunRequest struct {
	harness.Job
	// Background returns as soon as the run is recorded.
	Background bool `json:"background,omitempty"`
}

// DeviceInfo describes one device of the configured driver.
type DeviceInfo struct {
	Ordinal int                   `json:"ordinal"`
	Name    string                `json:"name"`
	InPool  bool                  `json:"in_pool"`
	Stats   *multigpu.DeviceStats `json:"stats,omitempty"`
}

type DevicesResponse struct {
	Object     string       `json:"object"`
	Driver     string       `json:"driver,omitempty"`
	GOARCH     string       `json:"goarch"`
	GOMAXPROCS int          `json:"gomaxprocs"`
	Devices    []DeviceInfo `json:"devices"`
}

type RunList struct {
	Object string `json:"object"`
	Data   []Run  `json:"data"`
}

type DeleteRunResp struct {
	ID      uuid.UUID `json:"id"`
	Object  string    `json:"object"`
	Deleted bool      `json:"deleted"`
}

func (s *Server) handleDevices(c *echo.Context) error {
	resp := DevicesResponse{
		Object:     "list",
		GOARCH:     runtime.GOARCH,
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		Devices:    []DeviceInfo{},
	}
	drv := s.cfg.Driver
	if drv == nil {
		return writeJSON(c, http.StatusOK, resp)
	}
	resp.Driver = drv.Name()
	n, err := drv.DeviceCount()
	if err != nil {
		return writeFailure(c, fmt.Errorf("%w: %s: %w", ErrDevice, drv.Name(), err), "")
	}
	stats := map[int]multigpu.DeviceStats{}
	if s.cfg.Pool != nil {
		for _, st := range s.cfg.Pool.Stats() {
			stats[st.Ordinal] = st
		}
	}
	for ord := 0; ord < n; ord++ {
		name, err := drv.DeviceName(ord)
		if err != nil {
			return writeFailure(c, fmt.Errorf("%w: %s: %w", ErrDevice, drv.Name(), err), "")
		}
		info := DeviceInfo{Ordinal: ord, Name: name}
		if st, ok := stats[ord]; ok {
			info.InPool, info.Stats = true, &st
		}
		resp.Devices = append(resp.Devices, info)
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleListRuns(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, RunList{Object: "list", Data: s.store.List()})
}

func (s *Server) handleCreateRun(c *echo.Context) error {
	if s.runner == nil {
		return writeFailure(c, ErrNoRunner, "")
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return writeFailure(c, ErrRateLimited, "")
	}
	req, err := decodeJSON[RunRequest](c.Request().Body)
	if err != nil {
		return writeFailure(c, err, "")
	}
	job, err := req.Job.Normalize()
	if err != nil {
		return writeFailure(c, invalidRequest(err), "")
	}

	// Background runs outlive the request but keep its values.
	parent := c.Request().Context()
	if req.Background {
		parent = context.WithoutCancel(parent)
	}
	ctx, cancel := context.WithCancel(parent)
	run := s.store.Create(job, cancel, s.clock())
	log := logger.FromContext(parent).ForRoutine(job.Precision+job.Routine).With("run", run.ID.String(), "backend", job.Backend)

	exec := func() error {
		defer cancel()
		res, err := s.runner.Run(ctx, job)
		if err != nil {
			log.Warn("run failed", "error", err)
		} else {
			log.Debug("run finished", "passed", res.Passed, "residual", res.Residual, "gflops", res.GFlops)
		}
		res.ID = run.ID
		s.store.Finish(run.ID, res, err, s.clock())
		return err
	}
	if req.Background {
		go func() { _ = exec() }()
		return writeJSON(c, http.StatusAccepted, run)
	}

	if err := exec(); err != nil {
		return writeFailure(c, err, run.ID.String())
	}
	run, ok := s.store.Get(run.ID)
	if !ok {
		// Deleted while it ran.
		return writeFailure(c, ErrRunNotFound, "")
	}
	return writeJSON(c, http.StatusOK, run)
}

func (s *Server) lookup(c *echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, false
	}
	_, ok := s.store.Get(id)
	return id, ok
}

func (s *Server) handleGetRun(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return writeFailure(c, ErrRunNotFound, "")
	}
	run, ok := s.store.Get(id)
	if !ok {
		return writeFailure(c, ErrRunNotFound, "")
	}
	return writeJSON(c, http.StatusOK, run)
}

// handleWaitRun blocks until the run finishes or the request is cancelled.
func (s *Server) handleWaitRun(c *echo.Context) error {
	id, ok := s.lookup(c)
	if !ok {
		return writeFailure(c, ErrRunNotFound, "")
	}
	done, ok := s.store.Done(id)
	if !ok {
		return writeFailure(c, ErrRunNotFound, "")
	}
	select {
	case <-done:
	case <-c.Request().Context().Done():
		return writeFailure(c, fmt.Errorf("wait: %w", context.Cause(c.Request().Context())), id.String())
	}
	run, ok := s.store.Get(id)
	if !ok {
		return writeFailure(c, ErrRunNotFound, "")
	}
	return writeJSON(c, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(c *echo.Context) error {
	id, ok := s.lookup(c)
	if !ok || !s.store.Delete(id, s.clock()) {
		return writeFailure(c, ErrRunNotFound, "")
	}
	return writeJSON(c, http.StatusOK, DeleteRunResp{ID: id, Object: "run", Deleted: true})
}
