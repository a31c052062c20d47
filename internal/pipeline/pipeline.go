// Package pipeline implements the two-slot ping-pong ring used to overlap
// host-to-device copies with compute on a single device context.
//
// Each slot pairs a set of device buffers with the stream that owns them.
// Copies into a slot and kernels reading from it are only ever enqueued on
// that slot's stream, so a buffer can never be the target of a copy while a
// kernel reads it. Work that accumulates into a shared result is chained
// across the two streams by Flip.
package pipeline

import "github.com/samcharles93/culapack/pkg/device"

// Slot is a set of buffers and the stream that owns them.
type Slot[B any] struct {
	Buf    B
	Stream device.Stream
}

// Ring is a two-slot ping-pong ring. One slot is the compute slot, the other
// the fill slot that the next block is copied into.
type Ring[B any] struct {
	slots [2]Slot[B]
	cur   int
	ev    device.Event
	flips int
}

// New returns a ring with a as the first compute slot. ev orders compute work
// across the two streams and must not be used elsewhere while the ring is in
// use.
func New[B any](a, b Slot[B], ev device.Event) *Ring[B] {
	return &Ring[B]{slots: [2]Slot[B]{a, b}, ev: ev}
}

// Compute returns the slot whose buffers the next kernel reads.
func (r *Ring[B]) Compute() Slot[B] { return r.slots[r.cur] }

// Fill returns the slot the next block is copied into.
func (r *Ring[B]) Fill() Slot[B] { return r.slots[r.cur^1] }

// Flip makes the fill slot the compute slot. Work enqueued afterwards on the
// new compute stream runs after everything already enqueued on the old one,
// while copies already enqueued on the new stream keep overlapping with it.
func (r *Ring[B]) Flip() error {
	cur, next := r.slots[r.cur], r.slots[r.cur^1]
	if err := cur.Stream.Record(r.ev); err != nil {
		return err
	}
	if err := next.Stream.Wait(r.ev); err != nil {
		return err
	}
	r.cur ^= 1
	r.flips++
	return nil
}

// Flips returns the number of completed flips.
func (r *Ring[B]) Flips() int { return r.flips }
