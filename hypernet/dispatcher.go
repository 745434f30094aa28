package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"
)

const (
	// dispatcherIdleSleep is how long the dispatcher naps when the ring
	// is empty
	dispatcherIdleSleep = 500 * time.Microsecond

	// awaitJobTimeout bounds how long a batch waits on one crypto job
	awaitJobTimeout = 2 * time.Second
)

// Engine owns one ring, the crypto pool, the burst tracker and the
// connection pool, and runs the dispatcher that moves packets between
// them. It is the process-wide context object: no package-level mutable
// state beyond the one-shot capability cache.
type Engine struct {
	ring  *Ring
	pool  *CryptoPool
	burst *BurstTracker
	conns *ConnPool

	batchSize atomic.Int32
	egress    [connClassCount]EgressEndpoint

	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	accepting atomic.Bool

	packetsOut atomic.Uint64
	bytesOut   atomic.Uint64
	drops      atomic.Uint64
}

// EgressEndpoint is where one traffic class emits. A zero value means
// the class has no egress and its packets are dropped after crypto.
type EgressEndpoint struct {
	Host string
	Port int
}

// NewEngine wires the subsystems from config. The capability probe runs
// here so every later read is a plain atomic load.
func NewEngine(config *Config) (*Engine, error) {
	detectCaps()
	dlog.Noticef("CPU capabilities: mask=%#x simd=%v aes=%v", CapsMask(), HasSIMD(), HasAES())

	ring, err := NewRing(config.RingCapacity, config.RingPayloadSize)
	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}

	pool, err := NewCryptoPool(config.WorkerCount, config.construction(), config.key())
	if err != nil {
		ring.Destroy()
		return nil, fmt.Errorf("crypto pool: %w", err)
	}

	burst, err := NewBurstTracker(config.burstConfig())
	if err != nil {
		ring.Destroy()
		pool.Shutdown()
		return nil, fmt.Errorf("burst tracker: %w", err)
	}

	conns := NewConnPool()
	if ratios, ok := config.poolRatios(); ok {
		if err := conns.SetRatios(ratios); err != nil {
			dlog.Warnf("Ignoring bad pool ratios: %v", err)
		}
	}
	conns.Init(config.PoolTotalSlots)

	e := &Engine{
		ring:   ring,
		pool:   pool,
		burst:  burst,
		conns:  conns,
		stopCh: make(chan struct{}),
	}
	e.batchSize.Store(int32(config.BatchSize))
	e.egress = config.egressEndpoints()
	e.accepting.Store(true)
	return e, nil
}

// Ring exposes the producer-facing ring.
func (e *Engine) Ring() *Ring { return e.ring }

// Burst exposes the tracker for producer-side updates and hints.
func (e *Engine) Burst() *BurstTracker { return e.burst }

// Submit is the producer entry point: write a packet into the ring and
// feed the burst tracker. Returns ErrRingFull for back-pressure.
func (e *Engine) Submit(p []byte, timestampNs uint64, flags, queue uint16) error {
	if !e.accepting.Load() {
		return ErrClosed
	}
	if _, err := e.ring.Write(p, timestampNs, flags, queue); err != nil {
		return err
	}
	e.burst.Update(uint64(len(p)), timestampNs)
	return nil
}

// Start launches the dispatcher.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(1)
	go e.dispatchLoop()
	dlog.Notice("Dispatcher started")
}

// SetBatchSize adjusts the per-iteration drain size at runtime.
func (e *Engine) SetBatchSize(n int) {
	e.batchSize.Store(int32(clampBatchSize(n)))
}

// pacingGap converts the burst level into the idle gap inserted between
// batches: bursty traffic is drained back-to-back, quiet traffic is
// paced to keep emissions smooth.
func pacingGap(level BurstLevel) time.Duration {
	switch level {
	case BurstExtreme, BurstHigh:
		return 0
	case BurstMedium:
		return 100 * time.Microsecond
	case BurstLow:
		return 250 * time.Microsecond
	default:
		return time.Millisecond
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	slots := make([]*RingSlot, 0, 32)
	jobs := make([]*CryptoJob, 0, 32)

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		slots = slots[:0]
		batch := int(e.batchSize.Load())
		for len(slots) < batch {
			slot, err := e.ring.Read()
			if err != nil {
				break // empty: dispatch what we have
			}
			slots = append(slots, slot)
		}
		if len(slots) == 0 {
			clocksmith.Sleep(dispatcherIdleSleep)
			continue
		}

		// Fan packets out to the workers, then await in submission order
		// so flow order survives parallel crypto.
		jobs = jobs[:0]
		for _, slot := range slots {
			if slot.Meta.Flags&FlagCrypto == 0 {
				jobs = append(jobs, nil)
				continue
			}
			job, err := e.pool.Submit(slot)
			if err != nil {
				dlog.Debugf("Dispatcher: submit failed: %v", err)
				e.drops.Add(1)
				jobs = append(jobs, nil)
				continue
			}
			jobs = append(jobs, job)
		}

		for i, slot := range slots {
			job := jobs[i]
			if job == nil {
				if slot.Meta.Flags&FlagCrypto == 0 {
					e.emit(slot.Meta.Queue, slot.Payload())
				}
				continue
			}
			if _, err := e.pool.Await(job, awaitJobTimeout); err != nil {
				dlog.Debugf("Dispatcher: job for queue %d failed: %v", slot.Meta.Queue, err)
				e.drops.Add(1)
			} else {
				e.emit(slot.Meta.Queue, e.pool.Output(job))
			}
			e.pool.Release(job)
		}

		if gap := pacingGap(e.burst.Level()); gap > 0 {
			clocksmith.Sleep(gap)
		}
	}
}

// emit pushes one sealed packet to the class's egress socket. Classes
// without an endpoint drop silently (counted); a socket that signals
// EAGAIN drops too, since the ring is the back-pressure point, not the
// egress queue.
func (e *Engine) emit(queue uint16, p []byte) {
	class := ConnClass(int(queue) % int(connClassCount))
	ep := e.egress[class]
	if ep.Host == "" || len(p) == 0 {
		e.drops.Add(1)
		return
	}

	fd, err := e.conns.Acquire(class)
	if err != nil {
		e.drops.Add(1)
		return
	}
	idx := e.conns.SlotIndexOf(class, fd)

	err = e.conns.Connect(class, fd, ep.Host, ep.Port)
	// An endpoint switch replaces the fd under the same slot.
	cur := e.conns.FdAt(class, idx)
	if (err != nil && err != ErrInProgress) || cur < 0 {
		if err != nil && err != ErrInProgress {
			dlog.Debugf("Dispatcher: connect %v failed: %v", class, err)
		}
		e.drops.Add(1)
	} else if n, werr := writeSocket(cur, p); werr != nil {
		e.drops.Add(1)
	} else {
		e.packetsOut.Add(1)
		e.bytesOut.Add(uint64(n))
	}
	if cur >= 0 {
		e.conns.Release(class, cur)
	}
}

// Shutdown tears the engine down in dependency order: stop accepting
// ring writes, stop the dispatcher, drain the crypto pool, destroy the
// ring, destroy the connection pool. Idempotent.
func (e *Engine) Shutdown() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.accepting.Store(false)
	if e.started.Load() {
		close(e.stopCh)
		e.wg.Wait()
	}
	e.pool.Shutdown()
	e.ring.Destroy()
	e.conns.Destroy()
	dlog.Noticef("Engine stopped: %d packets out, %d bytes, %d drops",
		e.packetsOut.Load(), e.bytesOut.Load(), e.drops.Load())
}
