package main

import (
	"sync"
	"time"

	"github.com/jedisct1/dlog"
)

// Boundary is the surface the embedding data plane talks to. Objects
// cross it as opaque non-zero 64-bit handles; results follow the errno
// convention (non-negative success, 0 try-again, negative failure).
// Handle 0 is reserved for "invalid".
//
// One ring slot always maps to one handle, so the slot table stays
// bounded by the ring capacity however long the ring runs.
type Boundary struct {
	pool  *CryptoPool
	burst *BurstTracker
	conns *ConnPool

	mu          sync.RWMutex
	nextHandle  uint64
	rings       map[int64]*Ring
	slots       map[int64]*RingSlot
	slotHandles map[*RingSlot]int64
	slotRings   map[*RingSlot]int64
	jobs        map[int64]*CryptoJob
}

// NewBoundary builds a surface over the shared subsystems.
func NewBoundary(pool *CryptoPool, burst *BurstTracker, conns *ConnPool) *Boundary {
	return &Boundary{
		pool:        pool,
		burst:       burst,
		conns:       conns,
		rings:       make(map[int64]*Ring),
		slots:       make(map[int64]*RingSlot),
		slotHandles: make(map[*RingSlot]int64),
		slotRings:   make(map[*RingSlot]int64),
		jobs:        make(map[int64]*CryptoJob),
	}
}

// handleLocked mints the next handle. Caller holds mu.
func (b *Boundary) handleLocked() int64 {
	b.nextHandle++
	return int64(b.nextHandle)
}

// RingCreate returns a ring handle, or a negative code.
func (b *Boundary) RingCreate(capacity, payloadSize int) int64 {
	ring, err := NewRing(capacity, payloadSize)
	if err != nil {
		dlog.Errorf("Boundary: ring creation failed: %v", err)
		return codeFor(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.handleLocked()
	b.rings[h] = ring
	return h
}

// RingDestroy tears a ring down and invalidates its slot handles.
// Idempotent per handle.
func (b *Boundary) RingDestroy(handle int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring, ok := b.rings[handle]
	if !ok {
		return 0
	}
	delete(b.rings, handle)
	for slot, owner := range b.slotRings {
		if owner == handle {
			delete(b.slots, b.slotHandles[slot])
			delete(b.slotHandles, slot)
			delete(b.slotRings, slot)
		}
	}
	ring.Destroy()
	return 0
}

// RingWrite publishes one packet: positive slot handle, 0 when the ring
// is full, negative on failure.
func (b *Boundary) RingWrite(handle int64, p []byte, timestampNs uint64, flags, queue uint16) int64 {
	b.mu.RLock()
	ring, ok := b.rings[handle]
	b.mu.RUnlock()
	if !ok {
		return codeInvalidArgument
	}
	slot, err := ring.Write(p, timestampNs, flags, queue)
	if err != nil {
		return codeFor(err)
	}
	return b.slotHandle(handle, slot)
}

// RingRead advances the consumer cursor: positive slot handle, 0 when
// empty, negative on failure.
func (b *Boundary) RingRead(handle int64) int64 {
	b.mu.RLock()
	ring, ok := b.rings[handle]
	b.mu.RUnlock()
	if !ok {
		return codeInvalidArgument
	}
	slot, err := ring.Read()
	if err != nil {
		return codeFor(err)
	}
	return b.slotHandle(handle, slot)
}

func (b *Boundary) slotHandle(ringHandle int64, slot *RingSlot) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.slotHandles[slot]; ok {
		return h
	}
	h := b.handleLocked()
	b.slots[h] = slot
	b.slotHandles[slot] = h
	b.slotRings[slot] = ringHandle
	return h
}

// SlotPayload returns the packet bytes behind a slot handle, nil when
// the handle is stale.
func (b *Boundary) SlotPayload(handle int64) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	slot, ok := b.slots[handle]
	if !ok {
		return nil
	}
	return slot.Payload()
}

// SlotMeta returns the metadata record behind a slot handle.
func (b *Boundary) SlotMeta(handle int64) *PacketMeta {
	b.mu.RLock()
	defer b.mu.RUnlock()
	slot, ok := b.slots[handle]
	if !ok {
		return nil
	}
	return slot.MetaRef()
}

// CryptoSubmit enqueues a slot's payload: positive job handle or a
// negative code.
func (b *Boundary) CryptoSubmit(slotHandle int64) int64 {
	b.mu.RLock()
	slot, ok := b.slots[slotHandle]
	b.mu.RUnlock()
	if !ok {
		return codeInvalidArgument
	}
	job, err := b.pool.Submit(slot)
	if err != nil {
		return codeFor(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.handleLocked()
	b.jobs[h] = job
	return h
}

// CryptoAwait blocks for the job: output length on success, negative
// code on timeout or failure. timeoutMs <= 0 waits indefinitely.
func (b *Boundary) CryptoAwait(jobHandle int64, timeoutMs int64) int64 {
	b.mu.RLock()
	job, ok := b.jobs[jobHandle]
	b.mu.RUnlock()
	if !ok {
		return codeInvalidArgument
	}
	n, err := b.pool.Await(job, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return codeFor(err)
	}
	return int64(n)
}

// CryptoOutput returns the sealed bytes for a completed job.
func (b *Boundary) CryptoOutput(jobHandle int64) []byte {
	b.mu.RLock()
	job, ok := b.jobs[jobHandle]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.pool.Output(job)
}

// CryptoRelease frees the job and forgets the handle.
func (b *Boundary) CryptoRelease(jobHandle int64) int64 {
	b.mu.Lock()
	job, ok := b.jobs[jobHandle]
	delete(b.jobs, jobHandle)
	b.mu.Unlock()
	if !ok {
		return codeInvalidArgument
	}
	b.pool.Release(job)
	return 0
}

// BurstUpdate feeds one packet into the estimator.
func (b *Boundary) BurstUpdate(bytes uint64, timestampNs uint64) {
	b.burst.Update(bytes, timestampNs)
}

// BurstLevel reads the current pacing hint.
func (b *Boundary) BurstLevel() int32 {
	return int32(b.burst.Level())
}

// BurstSubmitHint overrides the level from outside.
func (b *Boundary) BurstSubmitHint(level int32) int64 {
	return codeFor(b.burst.SubmitHint(BurstLevel(level)))
}

// ConnInit sizes the connection pool.
func (b *Boundary) ConnInit(totalSlots int) int64 {
	b.conns.Init(totalSlots)
	return 0
}

// ConnAcquire returns an fd for the class, or a negative code.
func (b *Boundary) ConnAcquire(class int) int64 {
	fd, err := b.conns.Acquire(ConnClass(class))
	if err != nil {
		return codeFor(err)
	}
	return int64(fd)
}

// ConnSlotIndex resolves an fd to its slot index, negative when absent.
func (b *Boundary) ConnSlotIndex(class, fd int) int64 {
	idx := b.conns.SlotIndexOf(ConnClass(class), fd)
	if idx < 0 {
		return codeInvalidArgument
	}
	return int64(idx)
}

// ConnConnect drives a slot toward an endpoint: 1 when connected, 0
// while the handshake is in flight, negative on failure.
func (b *Boundary) ConnConnect(class, fd int, host string, port int) int64 {
	err := b.conns.Connect(ConnClass(class), fd, host, port)
	switch err {
	case nil:
		return 1
	case ErrInProgress:
		return codeAgain
	default:
		return codeFor(err)
	}
}

// ConnRelease hands a slot back.
func (b *Boundary) ConnRelease(class, fd int) int64 {
	return codeFor(b.conns.Release(ConnClass(class), fd))
}

// ConnDestroy tears the pool down.
func (b *Boundary) ConnDestroy() int64 {
	b.conns.Destroy()
	return 0
}

// Caps returns the capability bitmask.
func (b *Boundary) Caps() int64 {
	return int64(CapsMask())
}
