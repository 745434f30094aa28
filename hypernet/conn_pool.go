package main

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jedisct1/dlog"
)

// Pool configuration constants
const (
	// PoolMinSlots and PoolMaxSlots bound the total slot count
	PoolMinSlots = 4
	PoolMaxSlots = 16

	// invalidFd marks a slot with no socket
	invalidFd = -1
)

// ConnClass selects one of the per-traffic-class slot sets.
type ConnClass int

const (
	ClassStream ConnClass = iota // multiplexed stream traffic
	ClassVision                  // vision/flow-morphing traffic
	ClassReserve                 // spare capacity
	connClassCount
)

func (c ConnClass) String() string {
	switch c {
	case ClassStream:
		return "stream"
	case ClassVision:
		return "vision"
	case ClassReserve:
		return "reserve"
	default:
		return "invalid"
	}
}

// defaultClassRatios is the stock percentage split across classes. The
// constants are tunable configuration, not load-bearing truths.
var defaultClassRatios = [connClassCount]int{40, 35, 25}

// ConnectionSlot is one persistent socket. fd is atomic so that a broken
// socket can be invalidated with a CAS, making double-close impossible;
// the remaining fields are guarded by the owning class mutex.
type ConnectionSlot struct {
	fd        atomic.Int32
	inUse     bool
	connected bool
	host      string
	port      int
}

type connClass struct {
	mu    sync.Mutex
	slots []ConnectionSlot

	opened atomic.Uint64 // sockets ever created for this class
	closed atomic.Uint64 // sockets ever closed for this class
}

// ConnPool keeps a small set of persistent TCP sockets per traffic
// class. Sockets are created lazily, handed out whole (by fd), probed
// for liveness on release, and silently replaced when broken.
type ConnPool struct {
	classes     [connClassCount]connClass
	ratios      [connClassCount]int
	totalSlots  int
	initialized atomic.Bool
}

// NewConnPool returns an uninitialized pool with the stock ratios.
func NewConnPool() *ConnPool {
	return &ConnPool{ratios: defaultClassRatios}
}

// SetRatios overrides the class split for the next Init.
func (p *ConnPool) SetRatios(ratios [connClassCount]int) error {
	sum := 0
	for _, r := range ratios {
		if r <= 0 {
			return fmt.Errorf("%w: class ratio %d", ErrInvalidArgument, r)
		}
		sum += r
	}
	if sum != 100 {
		return fmt.Errorf("%w: class ratios sum to %d, want 100", ErrInvalidArgument, sum)
	}
	p.ratios = ratios
	return nil
}

// distribute splits total slots across classes by ratio with a floor of
// one slot per class.
func (p *ConnPool) distribute(total int) [connClassCount]int {
	var counts [connClassCount]int
	sum := 0
	for i := range counts {
		counts[i] = max(1, total*p.ratios[i]/100)
		sum += counts[i]
	}
	for i := 0; sum < total; i = (i + 1) % int(connClassCount) {
		counts[i]++
		sum++
	}
	for i := int(connClassCount) - 1; sum > total; i = (i + int(connClassCount) - 1) % int(connClassCount) {
		if counts[i] > 1 {
			counts[i]--
			sum--
		}
	}
	return counts
}

// Init sizes the classes and resets all slots, closing any sockets a
// previous generation left open. Total is clamped to
// [PoolMinSlots, PoolMaxSlots]. Idempotent: a second Init with the same
// total yields the same observable state as one.
func (p *ConnPool) Init(total int) {
	clamped := min(max(total, PoolMinSlots), PoolMaxSlots)
	if clamped != total {
		dlog.Noticef("Connection pool: total slots %d clamped to %d", total, clamped)
	}

	counts := p.distribute(clamped)
	for i := range p.classes {
		class := &p.classes[i]
		class.mu.Lock()
		for j := range class.slots {
			p.invalidateSlotLocked(class, &class.slots[j])
		}
		class.slots = make([]ConnectionSlot, counts[i])
		for j := range class.slots {
			class.slots[j].fd.Store(invalidFd)
		}
		class.mu.Unlock()
		dlog.Debugf("Connection pool: class %v sized to %d slots", ConnClass(i), counts[i])
	}
	p.totalSlots = clamped
	p.initialized.Store(true)
}

// Acquire hands out a free slot's fd, creating and configuring the
// socket lazily. Fresh sockets always start with connected=false.
func (p *ConnPool) Acquire(class ConnClass) (int, error) {
	c, err := p.class(class)
	if err != nil {
		return invalidFd, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		slot := &c.slots[i]
		if slot.inUse {
			continue
		}
		if slot.fd.Load() < 0 {
			fd, err := newTCPSocket()
			if err != nil {
				dlog.Errorf("Connection pool: socket creation for class %v failed: %v", class, err)
				return invalidFd, err
			}
			slot.fd.Store(int32(fd))
			slot.connected = false
			slot.host = ""
			slot.port = 0
			c.opened.Add(1)
		}
		slot.inUse = true
		return int(slot.fd.Load()), nil
	}
	return invalidFd, fmt.Errorf("%w: class %v", ErrExhausted, class)
}

// FdAt returns the fd currently held by a slot, or the sentinel. Lets a
// caller re-find its socket after an endpoint switch replaced the fd.
func (p *ConnPool) FdAt(class ConnClass, index int) int {
	c, err := p.class(class)
	if err != nil {
		return invalidFd
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.slots) {
		return invalidFd
	}
	return int(c.slots[index].fd.Load())
}

// SlotIndexOf resolves an fd back to its slot index, or -1.
func (p *ConnPool) SlotIndexOf(class ConnClass, fd int) int {
	c, err := p.class(class)
	if err != nil {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if int(c.slots[i].fd.Load()) == fd && fd >= 0 {
			return i
		}
	}
	return -1
}

// Connect drives the slot toward the given endpoint. A slot already
// connected to the same endpoint is reused as-is. A different endpoint
// forces a shutdown of the old connection and a fresh socket before the
// new non-blocking connect is issued. Returns nil on immediate success
// and ErrInProgress when the kernel completes the handshake
// asynchronously.
func (p *ConnPool) Connect(class ConnClass, fd int, host string, port int) error {
	if port <= 0 || port > 65535 || host == "" {
		return fmt.Errorf("%w: endpoint %s:%d", ErrInvalidArgument, host, port)
	}
	c, err := p.class(class)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slot := c.findLocked(fd)
	if slot == nil {
		return fmt.Errorf("%w: fd %d not in class %v", ErrInvalidArgument, fd, class)
	}

	if slot.connected && slot.host == host && slot.port == port {
		return nil
	}
	if slot.connected {
		// Endpoint switch: the old connection is torn down and the slot
		// gets a brand-new socket for the new handshake. The fresh socket
		// is opened while the old fd is still held, so its fd number
		// always differs from the one the caller passed in.
		fresh, err := newTCPSocket()
		old := slot.fd.Load()
		if slot.fd.CompareAndSwap(old, invalidFd) {
			shutdownSocket(int(old))
			closeSocket(int(old))
			c.closed.Add(1)
		}
		slot.connected = false
		if err != nil {
			return err
		}
		slot.fd.Store(int32(fresh))
		c.opened.Add(1)
	}

	ip, err := resolveIPv4(host)
	if err != nil {
		return err
	}
	err = connectSocket(int(slot.fd.Load()), ip, port)
	switch {
	case err == nil:
		slot.connected = true
	case isInProgress(err):
		slot.connected = true
		err = ErrInProgress
	default:
		slot.connected = false
		return fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	slot.host = host
	slot.port = port
	return err
}

// Release returns a slot to the pool. Connected sockets get a
// zero-timeout liveness probe; a broken one is invalidated via CAS on
// the fd (so a concurrent release can never double-close) and dropped,
// leaving the slot empty for the next Acquire to repopulate.
func (p *ConnPool) Release(class ConnClass, fd int) error {
	c, err := p.class(class)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slot := c.findLocked(fd)
	if slot == nil {
		return fmt.Errorf("%w: fd %d not in class %v", ErrInvalidArgument, fd, class)
	}

	if slot.connected {
		if probeErr := probeSocket(fd); probeErr != nil {
			dlog.Debugf("Connection pool: dropping broken socket fd=%d class=%v: %v", fd, class, probeErr)
			p.invalidateSlotLocked(c, slot)
		}
	}
	slot.inUse = false
	return nil
}

// invalidateSlotLocked CASes the fd to the sentinel and closes the old
// value exactly once. Caller holds the class mutex.
func (p *ConnPool) invalidateSlotLocked(c *connClass, slot *ConnectionSlot) {
	old := slot.fd.Load()
	if old >= 0 && slot.fd.CompareAndSwap(old, invalidFd) {
		closeSocket(int(old))
		c.closed.Add(1)
	}
	slot.connected = false
	slot.inUse = false
	slot.host = ""
	slot.port = 0
}

// Destroy closes every socket and clears all classes. Idempotent.
func (p *ConnPool) Destroy() {
	if !p.initialized.CompareAndSwap(true, false) {
		return
	}
	total := 0
	for i := range p.classes {
		class := &p.classes[i]
		class.mu.Lock()
		for j := range class.slots {
			if class.slots[j].fd.Load() >= 0 {
				total++
			}
			p.invalidateSlotLocked(class, &class.slots[j])
		}
		class.slots = nil
		class.mu.Unlock()
	}
	dlog.Noticef("Connection pool destroyed (%d sockets closed)", total)
}

func (p *ConnPool) class(class ConnClass) (*connClass, error) {
	if class < 0 || class >= connClassCount {
		return nil, fmt.Errorf("%w: connection class %d", ErrInvalidArgument, class)
	}
	if !p.initialized.Load() {
		return nil, ErrClosed
	}
	return &p.classes[class], nil
}

func (c *connClass) findLocked(fd int) *ConnectionSlot {
	if fd < 0 {
		return nil
	}
	for i := range c.slots {
		if int(c.slots[i].fd.Load()) == fd {
			return &c.slots[i]
		}
	}
	return nil
}

// resolveIPv4 parses or resolves host to an IPv4 address.
func resolveIPv4(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrEndpoint, host)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEndpoint, host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("%w: no IPv4 address for %s", ErrEndpoint, host)
}

// ConnPoolStats summarizes pool state for logging.
type ConnPoolStats struct {
	SlotsPerClass [connClassCount]int
	InUse         [connClassCount]int
	Opened        uint64
	Closed        uint64
}

func (s ConnPoolStats) String() string {
	return fmt.Sprintf("Connection pool: slots %v, in use %v, %d opened, %d closed",
		s.SlotsPerClass, s.InUse, s.Opened, s.Closed)
}

// Stats returns current pool statistics.
func (p *ConnPool) Stats() ConnPoolStats {
	var stats ConnPoolStats
	for i := range p.classes {
		class := &p.classes[i]
		class.mu.Lock()
		stats.SlotsPerClass[i] = len(class.slots)
		for j := range class.slots {
			if class.slots[j].inUse {
				stats.InUse[i]++
			}
		}
		class.mu.Unlock()
		stats.Opened += class.opened.Load()
		stats.Closed += class.closed.Load()
	}
	return stats
}
