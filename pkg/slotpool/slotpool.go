// Package slotpool is a fixed arena of reusable buffers, handed out in strict rotation.
//
// A pipeline stage that submits work asynchronously needs somewhere to put the
// data while the work is in flight. The pool bounds that to 'depth' in-flight items.
// Acquire always returns the next slot in round-robin order, and blocks until that
// particular slot has been released by its previous user. This keeps the
// completion order of asynchronous callbacks irrelevant, because no slot is ever
// handed out twice without an intervening Release.
//
// A pool supports a single acquiring goroutine. Release may be called from any goroutine.
package slotpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Default number of in-flight items per pool
const DefaultDepth = 5

var ErrClosed = errors.New("slot pool is closed")

// Slot is one entry of the pool
type Slot[T any] struct {
	Index int
	Value T
	inUse atomic.Bool
}

type Pool[T any] struct {
	slots   []*Slot[T]
	free    []chan struct{} // One token per slot, present when the slot is free
	next    int
	closed  chan struct{}
	isClose atomic.Bool
}

// New creates a pool of 'depth' slots. create is called once for every slot, to allocate its buffers.
func New[T any](depth int, create func(index int) (T, error)) (*Pool[T], error) {
	if depth <= 0 {
		return nil, fmt.Errorf("Invalid slot pool depth %v", depth)
	}
	p := &Pool[T]{
		closed: make(chan struct{}),
	}
	for i := 0; i < depth; i++ {
		var v T
		if create != nil {
			var err error
			if v, err = create(i); err != nil {
				return nil, fmt.Errorf("Failed to create slot %v: %w", i, err)
			}
		}
		p.slots = append(p.slots, &Slot[T]{Index: i, Value: v})
		free := make(chan struct{}, 1)
		free <- struct{}{}
		p.free = append(p.free, free)
	}
	return p, nil
}

// Depth returns the number of slots
func (p *Pool[T]) Depth() int {
	return len(p.slots)
}

// Acquire returns the next slot in rotation, waiting for it to be released if necessary.
// Returns ErrClosed if the pool is closed, or ctx.Err() if the context is cancelled first.
func (p *Pool[T]) Acquire(ctx context.Context) (*Slot[T], error) {
	i := p.next
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case <-p.free[i]:
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.next = (p.next + 1) % len(p.slots)
	s := p.slots[i]
	s.inUse.Store(true)
	return s, nil
}

// TryAcquire is like Acquire, but returns (nil, false) instead of waiting
func (p *Pool[T]) TryAcquire() (*Slot[T], bool) {
	i := p.next
	select {
	case <-p.free[i]:
	default:
		return nil, false
	}
	p.next = (p.next + 1) % len(p.slots)
	s := p.slots[i]
	s.inUse.Store(true)
	return s, true
}

// Release returns a slot to the pool. Releasing a slot that is not in use is a programming error, and panics.
func (p *Pool[T]) Release(s *Slot[T]) {
	if !s.inUse.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("slotpool: slot %v released twice", s.Index))
	}
	p.free[s.Index] <- struct{}{}
}

// InUse returns the number of slots that have been acquired and not yet released
func (p *Pool[T]) InUse() int {
	n := 0
	for _, s := range p.slots {
		if s.inUse.Load() {
			n++
		}
	}
	return n
}

// Close wakes up any waiting Acquire. Slots that are in use may still be released afterwards.
func (p *Pool[T]) Close() {
	if p.isClose.CompareAndSwap(false, true) {
		close(p.closed)
	}
}
