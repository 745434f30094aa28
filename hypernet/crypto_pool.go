package main

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/jedisct1/dlog"
	"github.com/jedisct1/xsecretbox"
	"golang.org/x/crypto/chacha20poly1305"
)

// Pool configuration constants
const (
	// CryptoPoolMaxWorkers caps the worker count regardless of core count
	CryptoPoolMaxWorkers = 32

	// awaitSpinBudget is the number of completion-flag polls before a
	// blocked Await falls back to the wakeup channel
	awaitSpinBudget = 128

	// KeySize is the AEAD key length for both constructions
	KeySize = 32
)

// CryptoConstruction identifies the AEAD the pool delegates to. Both are
// vetted library implementations; there is no in-tree primitive.
type CryptoConstruction uint8

const (
	UndefinedConstruction CryptoConstruction = iota
	ChaCha20Poly1305
	XChaCha20Poly1305
)

func (c CryptoConstruction) String() string {
	switch c {
	case ChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	case XChaCha20Poly1305:
		return "XChaCha20-Poly1305"
	default:
		return "(undefined)"
	}
}

// WorkerLocal is per-worker scratch, one cache line each so workers never
// contend while bumping their own counters.
type WorkerLocal struct {
	WorkerID      uint32
	Packets       uint32
	Bytes         uint64
	LastTimestamp uint64
	_             [40]byte
}

var (
	_ [unsafe.Sizeof(WorkerLocal{}) - 64]byte
	_ [64 - unsafe.Sizeof(WorkerLocal{})]byte
)

// CryptoJob references a ring slot and owns the output buffer the worker
// seals into. The job never frees the slot; the ring owns it. Output
// layout is nonce || ciphertext+tag.
type CryptoJob struct {
	slot     *RingSlot
	output   []byte
	outLen   int
	failed   bool // set by Shutdown's drain before done publishes
	done     atomic.Bool
	doneCh   chan struct{}
	orphaned atomic.Bool
	freed    atomic.Bool
}

// CryptoPool is a fixed worker set consuming a mutex+cond protected MPMC
// job queue. Contention on the queue lock is acceptable: jobs are large
// relative to the enqueue cost.
type CryptoPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*CryptoJob
	running atomic.Bool
	workers sync.WaitGroup

	workerCount  int
	locals       []WorkerLocal
	construction CryptoConstruction
	aead         cipher.AEAD // ChaCha20Poly1305 construction only
	key          [KeySize]byte
	nonceCounter atomic.Uint64
	outPool      sync.Pool

	submitted atomic.Uint64
	completed atomic.Uint64
	failures  atomic.Uint64
}

// NewCryptoPool starts workerCount workers (0 means 2 x online cores,
// capped at CryptoPoolMaxWorkers), each locked to an OS thread and pinned
// to a performance core on a best-effort basis. The pool refuses to start
// without a key: encryption silently degrading to a placeholder is not an
// option.
func NewCryptoPool(workerCount int, construction CryptoConstruction, key []byte) (*CryptoPool, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d key bytes, need %d", ErrNoKey, len(key), KeySize)
	}
	if construction != ChaCha20Poly1305 && construction != XChaCha20Poly1305 {
		return nil, fmt.Errorf("%w: construction %d", ErrInvalidArgument, construction)
	}
	if workerCount <= 0 {
		workerCount = 2 * runtime.NumCPU()
	}
	if workerCount > CryptoPoolMaxWorkers {
		workerCount = CryptoPoolMaxWorkers
	}

	pool := &CryptoPool{
		workerCount:  workerCount,
		locals:       make([]WorkerLocal, workerCount),
		construction: construction,
	}
	copy(pool.key[:], key)
	pool.cond = sync.NewCond(&pool.mu)
	pool.outPool.New = func() interface{} {
		b := make([]byte, 0, 2048)
		return &b
	}

	if construction == ChaCha20Poly1305 {
		aead, err := chacha20poly1305.New(pool.key[:])
		if err != nil {
			return nil, fmt.Errorf("AEAD init: %w", err)
		}
		pool.aead = aead
	}

	pool.running.Store(true)
	pool.workers.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go pool.workerLoop(i)
	}

	dlog.Noticef("Crypto pool started: %d workers, %v", workerCount, construction)
	return pool, nil
}

// WorkerCount reports the number of running workers.
func (pool *CryptoPool) WorkerCount() int { return pool.workerCount }

// Submit creates a job for the slot's payload and enqueues it. The output
// buffer is sized for nonce, ciphertext and tag up front so workers never
// allocate.
func (pool *CryptoPool) Submit(slot *RingSlot) (*CryptoJob, error) {
	if slot == nil || len(slot.Payload()) == 0 {
		return nil, fmt.Errorf("%w: nil or empty slot", ErrInvalidArgument)
	}
	if !pool.running.Load() {
		return nil, ErrPoolClosed
	}

	need := pool.nonceSize() + len(slot.Payload()) + chacha20poly1305.Overhead
	ptr := pool.outPool.Get().(*[]byte)
	buf := *ptr
	if cap(buf) < need {
		buf = make([]byte, 0, need)
	}
	job := &CryptoJob{
		slot:   slot,
		output: buf[:0],
		doneCh: make(chan struct{}),
	}

	pool.mu.Lock()
	if !pool.running.Load() {
		pool.mu.Unlock()
		*ptr = buf
		pool.outPool.Put(ptr)
		return nil, ErrPoolClosed
	}
	pool.queue = append(pool.queue, job)
	pool.mu.Unlock()
	pool.cond.Signal()

	pool.submitted.Add(1)
	return job, nil
}

// Await blocks until the job completes or the timeout elapses. It spins
// briefly on the completion flag before parking on the wakeup channel,
// which keeps the common sub-microsecond completion off the scheduler.
func (pool *CryptoPool) Await(job *CryptoJob, timeout time.Duration) (int, error) {
	if job == nil {
		return 0, fmt.Errorf("%w: nil job", ErrInvalidArgument)
	}

	for i := 0; i < awaitSpinBudget; i++ {
		if job.done.Load() {
			return job.result()
		}
		runtime.Gosched()
	}

	if timeout <= 0 {
		<-job.doneCh
		return job.result()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-job.doneCh:
		return job.result()
	case <-timer.C:
		if job.done.Load() {
			return job.result()
		}
		return 0, ErrTimeout
	}
}

func (job *CryptoJob) result() (int, error) {
	if job.failed {
		return 0, ErrCryptoFailed
	}
	return job.outLen, nil
}

// Output returns the sealed bytes. Valid once Await returned success and
// until Release.
func (pool *CryptoPool) Output(job *CryptoJob) []byte {
	if job == nil || !job.done.Load() || job.failed {
		return nil
	}
	return job.output[:job.outLen]
}

// Release frees the job. Releasing a still-running job is safe: the job
// is marked orphaned and the worker frees it after publishing completion.
func (pool *CryptoPool) Release(job *CryptoJob) {
	if job == nil {
		return
	}
	job.orphaned.Store(true)
	if job.done.Load() {
		pool.tryFree(job)
	}
}

// tryFree recycles the output buffer exactly once, whichever of the
// worker or the releasing consumer gets here last.
func (pool *CryptoPool) tryFree(job *CryptoJob) {
	if !job.freed.CompareAndSwap(false, true) {
		return
	}
	buf := job.output[:0]
	job.output = nil
	job.slot = nil
	if cap(buf) <= 1<<16 {
		pool.outPool.Put(&buf)
	}
}

// Shutdown stops the pool cooperatively: mark not running, wake all
// workers, join them, then fail and free any jobs left in the queue.
// Idempotent.
func (pool *CryptoPool) Shutdown() {
	if !pool.running.CompareAndSwap(true, false) {
		return
	}
	// Broadcast under the queue lock: a worker between its predicate
	// check and Wait would otherwise miss the wakeup forever.
	pool.mu.Lock()
	pool.cond.Broadcast()
	pool.mu.Unlock()
	pool.workers.Wait()

	pool.mu.Lock()
	drained := pool.queue
	pool.queue = nil
	pool.mu.Unlock()

	for _, job := range drained {
		job.failed = true
		pool.failures.Add(1)
		job.done.Store(true)
		close(job.doneCh)
		pool.tryFree(job)
	}
	if len(drained) > 0 {
		dlog.Debugf("Crypto pool: failed %d undispatched jobs at shutdown", len(drained))
	}
	dlog.Notice("Crypto pool stopped")
}

// CryptoPoolStats is a point-in-time snapshot of pool counters.
type CryptoPoolStats struct {
	Workers   int
	Submitted uint64
	Completed uint64
	Failures  uint64
}

func (s CryptoPoolStats) String() string {
	return fmt.Sprintf("Crypto pool: %d workers, %d submitted, %d completed, %d failed",
		s.Workers, s.Submitted, s.Completed, s.Failures)
}

// Stats returns current pool statistics.
func (pool *CryptoPool) Stats() CryptoPoolStats {
	return CryptoPoolStats{
		Workers:   pool.workerCount,
		Submitted: pool.submitted.Load(),
		Completed: pool.completed.Load(),
		Failures:  pool.failures.Load(),
	}
}

// Locals returns a snapshot of the per-worker counters.
func (pool *CryptoPool) Locals() []WorkerLocal {
	out := make([]WorkerLocal, len(pool.locals))
	copy(out, pool.locals)
	return out
}

func (pool *CryptoPool) nonceSize() int {
	if pool.construction == XChaCha20Poly1305 {
		return xsecretbox.NonceSize
	}
	return chacha20poly1305.NonceSize
}

func (pool *CryptoPool) workerLoop(workerID int) {
	defer pool.workers.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	core := performanceCore(workerID)
	if err := pinCurrentThread(core); err != nil {
		dlog.Debugf("Crypto worker %d: affinity to core %d not set: %v", workerID, core, err)
	}

	local := &pool.locals[workerID]
	local.WorkerID = uint32(workerID)

	for {
		pool.mu.Lock()
		for len(pool.queue) == 0 && pool.running.Load() {
			pool.cond.Wait()
		}
		if !pool.running.Load() {
			pool.mu.Unlock()
			return
		}
		job := pool.queue[0]
		pool.queue = pool.queue[1:]
		pool.mu.Unlock()

		pool.process(job, local)
	}
}

// process seals the slot payload into the job's output buffer and
// publishes completion. Workers never mutate the ring or the slot body,
// and exactly one worker ever touches a given job.
func (pool *CryptoPool) process(job *CryptoJob, local *WorkerLocal) {
	plaintext := job.slot.Payload()

	var nonce [xsecretbox.NonceSize]byte
	n := pool.nonceSize()
	binary.BigEndian.PutUint64(nonce[n-8:n], pool.nonceCounter.Add(1))

	out := append(job.output[:0], nonce[:n]...)
	switch pool.construction {
	case XChaCha20Poly1305:
		out = xsecretbox.Seal(out, nonce[:n], plaintext, pool.key[:])
	default:
		out = pool.aead.Seal(out, nonce[:n], plaintext, nil)
	}
	job.output = out
	job.outLen = len(out)

	local.Packets++
	local.Bytes += uint64(len(plaintext))
	local.LastTimestamp = job.slot.Meta.TimestampNs

	pool.completed.Add(1)
	job.done.Store(true)
	close(job.doneCh)
	if job.orphaned.Load() {
		pool.tryFree(job)
	}
}
