package jobs

import (
	"context"
	"sync"
)

// Pool bounds how many runs solve at the same time. A pool with no limit
// hands out slots immediately.
type Pool struct {
	maxJobs        int
	available      int
	mu             sync.Mutex
	freed          chan struct{}
	onSlotsChanged func(available int)
}

// NewPool creates a pool with the given capacity; 0 means unlimited
func NewPool(maxJobs int) *Pool {
	return &Pool{
		maxJobs:   maxJobs,
		available: maxJobs,
		freed:     make(chan struct{}),
	}
}

// SetOnSlotsChanged sets a callback invoked when slot availability changes
func (p *Pool) SetOnSlotsChanged(callback func(available int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSlotsChanged = callback
}

// TryAcquire claims a slot without waiting
func (p *Pool) TryAcquire() bool {
	if p.maxJobs <= 0 {
		return true
	}
	ok, _ := p.claim()
	return ok
}

// Acquire waits for a slot until ctx is done
func (p *Pool) Acquire(ctx context.Context) error {
	if p.maxJobs <= 0 {
		return nil
	}
	for {
		ok, freed := p.claim()
		if ok {
			return nil
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// claim takes a slot or, when none is free, returns the channel the next
// Release closes. Both happen under one lock so no Release is missed.
func (p *Pool) claim() (bool, <-chan struct{}) {
	p.mu.Lock()
	if p.available <= 0 {
		freed := p.freed
		p.mu.Unlock()
		return false, freed
	}
	p.available--
	callback := p.onSlotsChanged
	available := p.available
	p.mu.Unlock()

	if callback != nil {
		callback(available)
	}
	return true, nil
}

// Release returns a slot to the pool
func (p *Pool) Release() {
	if p.maxJobs <= 0 {
		return
	}
	p.mu.Lock()
	if p.available < p.maxJobs {
		p.available++
	}
	close(p.freed)
	p.freed = make(chan struct{})
	callback := p.onSlotsChanged
	available := p.available
	p.mu.Unlock()

	if callback != nil {
		callback(available)
	}
}

// Available returns the number of free slots, or -1 for an unlimited pool
func (p *Pool) Available() int {
	if p.maxJobs <= 0 {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// MaxJobs returns the pool capacity
func (p *Pool) MaxJobs() int {
	return p.maxJobs
}
