package sim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/culapack/pkg/device"
)

// Device pointers carry the owning context and allocation so that stale or
// foreign pointers fail instead of aliasing other memory:
//
//	bits 56..63  ordinal+1
//	bits 32..55  allocation id
//	bits  0..31  byte offset
const (
	ordinalShift = 56
	idShift      = 32
	offsetMask   = 1<<idShift - 1
	idMask       = 1<<(ordinalShift-idShift) - 1
	maxAlloc     = 1 << idShift
	pitchAlign   = 128
)

// Stats counts driver activity on a context.
type Stats struct {
	Launches    int64
	CopiesHtoD  int64
	CopiesDtoH  int64
	CopiesDtoD  int64
	BytesHtoD   int64
	BytesDtoH   int64
	ModuleLoads int64
	Allocations int64
	InUse       int64
}

type counters struct {
	launches, copiesHtoD, copiesDtoH, copiesDtoD atomic.Int64
	bytesHtoD, bytesDtoH, moduleLoads, allocs    atomic.Int64
}

// Context implements device.Context.
type Context struct {
	drv     *Driver
	ordinal int

	mu        sync.RWMutex
	allocs    map[uint32][]byte
	nextID    uint32
	inUse     int
	streams   map[*Stream]struct{}
	destroyed bool

	stats counters
}

var _ device.Context = (*Context)(nil)

func newContext(d *Driver, ordinal int) *Context {
	return &Context{
		drv:     d,
		ordinal: ordinal,
		allocs:  make(map[uint32][]byte),
		streams: make(map[*Stream]struct{}),
	}
}

func (c *Context) Ordinal() int { return c.ordinal }

// Stats returns a snapshot of the context's counters.
func (c *Context) Stats() Stats {
	c.mu.RLock()
	inUse := c.inUse
	c.mu.RUnlock()
	return Stats{
		Launches:    c.stats.launches.Load(),
		CopiesHtoD:  c.stats.copiesHtoD.Load(),
		CopiesDtoH:  c.stats.copiesDtoH.Load(),
		CopiesDtoD:  c.stats.copiesDtoD.Load(),
		BytesHtoD:   c.stats.bytesHtoD.Load(),
		BytesDtoH:   c.stats.bytesDtoH.Load(),
		ModuleLoads: c.stats.moduleLoads.Load(),
		Allocations: c.stats.allocs.Load(),
		InUse:       int64(inUse),
	}
}

func (c *Context) enter(call string) error {
	c.mu.RLock()
	destroyed := c.destroyed
	c.mu.RUnlock()
	if destroyed {
		return device.ErrInvalidContext
	}
	return c.drv.fault(call, c.ordinal)
}

func (c *Context) MemAlloc(bytes int) (device.Ptr, error) {
	if err := c.enter("MemAlloc"); err != nil {
		return 0, err
	}
	return c.alloc(bytes)
}

func (c *Context) MemAllocPitch(widthBytes, height, elemSize int) (device.Ptr, int, error) {
	if err := c.enter("MemAllocPitch"); err != nil {
		return 0, 0, err
	}
	if widthBytes <= 0 || height <= 0 || elemSize <= 0 || pitchAlign%elemSize != 0 {
		return 0, 0, device.ErrInvalidValue
	}
	pitch := (widthBytes + pitchAlign - 1) / pitchAlign * pitchAlign
	p, err := c.alloc(pitch * height)
	if err != nil {
		return 0, 0, err
	}
	return p, pitch, nil
}

func (c *Context) alloc(bytes int) (device.Ptr, error) {
	if bytes <= 0 || bytes >= maxAlloc {
		return 0, device.ErrInvalidValue
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit := c.drv.cfg.MemoryLimit; limit > 0 && c.inUse+bytes > limit {
		return 0, device.ErrOutOfMemory
	}
	c.nextID++
	if c.nextID > idMask {
		return 0, device.ErrOutOfMemory
	}
	id := c.nextID
	c.allocs[id] = make([]byte, bytes)
	c.inUse += bytes
	c.stats.allocs.Add(1)
	return device.Ptr(uint64(c.ordinal+1)<<ordinalShift | uint64(id)<<idShift), nil
}

func (c *Context) MemFree(p device.Ptr) error {
	if err := c.enter("MemFree"); err != nil {
		return err
	}
	// Freeing waits for queued work, as the CUDA driver does.
	if err := c.Synchronize(); err != nil {
		return err
	}
	ordinal, id, off := decode(p)
	if ordinal != c.ordinal || off != 0 {
		return device.ErrInvalidValue
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.allocs[id]
	if !ok {
		return device.ErrInvalidValue
	}
	delete(c.allocs, id)
	c.inUse -= len(buf)
	return nil
}

func (c *Context) MemAllocHost(bytes int) ([]byte, error) {
	if err := c.enter("MemAllocHost"); err != nil {
		return nil, err
	}
	if bytes <= 0 {
		return nil, device.ErrInvalidValue
	}
	// Backed by float64 words so every element type is aligned.
	words := make([]float64, (bytes+7)/8)
	return device.Bytes(words)[:bytes], nil
}

func (c *Context) MemFreeHost(b []byte) error {
	return c.enter("MemFreeHost")
}

func (c *Context) CreateStream() (device.Stream, error) {
	if err := c.enter("CreateStream"); err != nil {
		return nil, err
	}
	s := newStream(c)
	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

func (c *Context) CreateEvent() (device.Event, error) {
	if err := c.enter("CreateEvent"); err != nil {
		return nil, err
	}
	return newEvent(), nil
}

func (c *Context) LoadModule(img device.Image) (device.Module, error) {
	if err := c.enter("LoadModule"); err != nil {
		return nil, err
	}
	prog, ok := c.drv.cfg.Images[img.Name]
	if !ok {
		return nil, fmt.Errorf("sim: image %q: %w", img.Name, device.ErrInvalidImage)
	}
	c.stats.moduleLoads.Add(1)
	return &Module{ctx: c, name: img.Name, prog: prog}, nil
}

func (c *Context) Synchronize() error {
	c.mu.RLock()
	streams := make([]*Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.RUnlock()
	var first error
	for _, s := range streams {
		if err := s.Synchronize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Context) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return device.ErrInvalidContext
	}
	streams := make([]*Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.shutdown()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.allocs = nil
	c.streams = nil
	c.inUse = 0
	return nil
}

func (c *Context) removeStream(s *Stream) {
	c.mu.Lock()
	delete(c.streams, s)
	c.mu.Unlock()
}

func decode(p device.Ptr) (ordinal int, id uint32, off int) {
	u := uint64(p)
	return int(u>>ordinalShift) - 1, uint32(u >> idShift & idMask), int(u & offsetMask)
}

// resolve returns the n bytes at p.
func (c *Context) resolve(p device.Ptr, n int) ([]byte, error) {
	ordinal, id, off := decode(p)
	if ordinal != c.ordinal {
		return nil, fmt.Errorf("sim: pointer %v belongs to device %d, not %d: %w", p, ordinal, c.ordinal, device.ErrInvalidValue)
	}
	c.mu.RLock()
	buf, ok := c.allocs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sim: pointer %v is not allocated: %w", p, device.ErrInvalidValue)
	}
	if n < 0 || off+n > len(buf) {
		return nil, fmt.Errorf("sim: access of %d bytes at %v overruns a %d byte allocation: %w", n, p, len(buf), device.ErrInvalidValue)
	}
	return buf[off : off+n], nil
}
