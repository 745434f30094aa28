package main

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// RingMaxCapacity is the hard ceiling on ring capacity, pre-rounding.
	RingMaxCapacity = 64 * 1024

	cacheLineSize = 64
)

// Packet flag bits carried in PacketMeta.Flags.
const (
	FlagCrypto     uint16 = 1 << 0 // payload requires the crypto pipeline
	FlagPriority   uint16 = 1<<1 | 1<<2 // two-bit priority class
	FlagEndOfBurst uint16 = 1 << 3
)

// PacketMeta is the fixed per-packet record shared with the consumer side.
// The layout is contract-bound: new fields must live in the reserved
// padding without displacing existing ones.
type PacketMeta struct {
	TimestampNs uint64 // monotonic nanoseconds, set by the producer
	Length      uint32 // payload byte count
	Flags       uint16
	Queue       uint16 // egress class selector
	_           [48]byte
}

// RingSlot couples a PacketMeta with the payload it describes. The ring
// exclusively owns the payload storage for the slot's entire lifetime.
type RingSlot struct {
	Meta    PacketMeta
	payload []byte
	owned   bool // payload is a slot-owned allocation, not a slab cell
	_       [39]byte
}

// Layout is part of the boundary contract; both records must stay
// cache-line sized.
var (
	_ [unsafe.Sizeof(PacketMeta{}) - 64]byte
	_ [64 - unsafe.Sizeof(PacketMeta{})]byte
	_ [unsafe.Sizeof(RingSlot{}) - 128]byte
	_ [128 - unsafe.Sizeof(RingSlot{})]byte
)

// Payload returns the slot's payload bytes. Valid for the consumer until a
// subsequent Read wraps around to the slot.
func (s *RingSlot) Payload() []byte { return s.payload }

// MetaRef returns the slot's metadata record.
func (s *RingSlot) MetaRef() *PacketMeta { return &s.Meta }

// Ring is a lock-free single-producer/single-consumer ring. The producer
// owns writePos/writeSeq, the consumer owns readPos/readSeq, and the two
// cursor pairs plus the shared metadata live on three distinct cache
// lines so neither side invalidates the other's line on its own stores.
//
// Positions are 64-bit monotonic counters. When a position would reach
// wrapLimit (a multiple of the capacity), the owning side bumps its
// 32-bit generation sequence and reduces the position by wrapLimit, so an
// observer can always distinguish generations and never confuses a
// full ring for an empty one (ABA).
type Ring struct {
	_        [cacheLineSize]byte
	writePos atomic.Uint64
	writeSeq atomic.Uint32
	_        [cacheLineSize - 12]byte
	readPos  atomic.Uint64
	readSeq  atomic.Uint32
	_        [cacheLineSize - 12]byte

	capacity    uint64
	mask        uint64
	wrapLimit   uint64
	payloadSize int
	slots       []RingSlot
	slab        []byte
	destroyed   atomic.Bool
}

// nextPowerOfTwo rounds n up to the next power of two.
func nextPowerOfTwo(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// NewRing creates a ring with capacity rounded up to the next power of
// two (ceiling RingMaxCapacity). When payloadSize > 0, a slab of
// capacity*payloadSize bytes is pre-allocated and payloads that fit are
// copied there instead of into fresh allocations.
func NewRing(capacity, payloadSize int) (*Ring, error) {
	if capacity <= 0 || capacity > RingMaxCapacity {
		return nil, fmt.Errorf("%w: ring capacity %d (must be 1-%d)", ErrInvalidArgument, capacity, RingMaxCapacity)
	}
	if payloadSize < 0 {
		return nil, fmt.Errorf("%w: negative payload size %d", ErrInvalidArgument, payloadSize)
	}

	pow2 := nextPowerOfTwo(uint64(capacity))
	r := &Ring{
		capacity:    pow2,
		mask:        pow2 - 1,
		wrapLimit:   ^uint64(0) - pow2 + 1, // 2^64 - capacity, a multiple of capacity
		payloadSize: payloadSize,
		slots:       make([]RingSlot, pow2),
	}
	if payloadSize > 0 {
		r.slab = make([]byte, int(pow2)*payloadSize)
	}
	return r, nil
}

// occupied computes the number of published-but-unread slots from a
// snapshot of both cursor pairs, clamped to [0, capacity]. Snapshots
// taken mid-wrap can be momentarily inconsistent; the clamp keeps the
// result conservative (a rejected write, never a corrupted slot).
func (r *Ring) occupied(wpos uint64, wseq uint32, rpos uint64, rseq uint32) uint64 {
	var occ uint64
	if wseq == rseq {
		if wpos >= rpos {
			occ = wpos - rpos
		} else {
			occ = r.capacity - (rpos - wpos)
		}
	} else {
		// The writer is one generation ahead; undo its reduction.
		occ = wpos + r.wrapLimit - rpos
	}
	if occ > r.capacity {
		occ = r.capacity
	}
	return occ
}

// Occupancy reports the number of slots currently published and unread.
func (r *Ring) Occupancy() int {
	return int(r.occupied(r.writePos.Load(), r.writeSeq.Load(), r.readPos.Load(), r.readSeq.Load()))
}

// Capacity reports the rounded capacity.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Write reserves the next slot, copies p and the metadata into it, and
// publishes it to the consumer. Returns ErrRingFull when no slot is
// free. Never blocks and never partially publishes: either the slot is
// fully visible to the consumer or nothing changed.
func (r *Ring) Write(p []byte, timestampNs uint64, flags, queue uint16) (*RingSlot, error) {
	if r.destroyed.Load() {
		return nil, ErrClosed
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidArgument)
	}

	wpos := r.writePos.Load()
	wseq := r.writeSeq.Load()
	rpos := r.readPos.Load()
	rseq := r.readSeq.Load()
	if r.occupied(wpos, wseq, rpos, rseq) >= r.capacity {
		return nil, ErrRingFull
	}

	idx := wpos & r.mask
	slot := &r.slots[idx]

	n := len(p)
	if r.slab != nil && n <= r.payloadSize {
		off := int(idx) * r.payloadSize
		cell := r.slab[off : off+n : off+r.payloadSize]
		copy(cell, p)
		slot.payload = cell
		slot.owned = false
	} else {
		buf := make([]byte, n)
		copy(buf, p)
		slot.payload = buf
		slot.owned = true
	}
	slot.Meta = PacketMeta{
		TimestampNs: timestampNs,
		Length:      uint32(n),
		Flags:       flags,
		Queue:       queue,
	}

	// Sequence first, then position: a consumer that observes the new
	// position is guaranteed to observe the new generation too.
	newPos := wpos + 1
	if newPos >= r.wrapLimit {
		r.writeSeq.Store(wseq + 1)
		newPos -= r.wrapLimit
	}
	r.writePos.Store(newPos)
	return slot, nil
}

// Read advances the read cursor and returns the oldest published slot,
// or ErrRingEmpty. The slot is borrowed: it stays valid until the ring
// wraps around to it.
func (r *Ring) Read() (*RingSlot, error) {
	if r.destroyed.Load() {
		return nil, ErrClosed
	}

	rpos := r.readPos.Load()
	rseq := r.readSeq.Load()
	wpos := r.writePos.Load()
	wseq := r.writeSeq.Load()
	if r.occupied(wpos, wseq, rpos, rseq) == 0 {
		return nil, ErrRingEmpty
	}

	slot := &r.slots[rpos&r.mask]

	newPos := rpos + 1
	if newPos >= r.wrapLimit {
		r.readSeq.Store(rseq + 1)
		newPos -= r.wrapLimit
	}
	r.readPos.Store(newPos)
	return slot, nil
}

// Destroy releases the slab and per-slot owned payloads. Idempotent.
// Safe only once no slot references remain outside the ring.
func (r *Ring) Destroy() {
	if !r.destroyed.CompareAndSwap(false, true) {
		return
	}
	for i := range r.slots {
		r.slots[i].payload = nil
		r.slots[i].owned = false
	}
	r.slab = nil
}

// forceCursors places both cursor pairs at an arbitrary point in the
// sequence space. Test hook for exercising wraparound; positions must be
// congruent modulo the capacity with the slot state, which holds
// trivially on an empty ring.
func (r *Ring) forceCursors(wpos uint64, wseq uint32, rpos uint64, rseq uint32) {
	r.writePos.Store(wpos)
	r.writeSeq.Store(wseq)
	r.readPos.Store(rpos)
	r.readSeq.Store(rseq)
}
