package main

import (
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// listen returns a loopback listener and its host/port.
func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	return ln, addr.IP.String(), addr.Port
}

// settle waits for a non-blocking connect to finish its handshake.
func settle() { time.Sleep(50 * time.Millisecond) }

func TestPoolAcquireReleaseCycle(t *testing.T) {
	p := NewConnPool()
	p.Init(8)
	defer p.Destroy()

	fd, err := p.Acquire(ClassStream)
	if err != nil {
		t.Fatal(err)
	}
	if fd < 0 {
		t.Fatalf("Acquire returned fd %d", fd)
	}
	if idx := p.SlotIndexOf(ClassStream, fd); idx != 0 {
		t.Errorf("SlotIndexOf = %d, want 0", idx)
	}
	if err := p.Release(ClassStream, fd); err != nil {
		t.Fatal(err)
	}

	// A healthy unconnected socket is kept for reuse.
	fd2, err := p.Acquire(ClassStream)
	if err != nil {
		t.Fatal(err)
	}
	if fd2 != fd {
		t.Errorf("reacquire returned fd %d, want reused %d", fd2, fd)
	}
	if err := p.Release(ClassStream, fd2); err != nil {
		t.Fatal(err)
	}

	stats := p.Stats()
	if stats.Opened != 1 {
		t.Errorf("opened %d sockets across cycles, want 1", stats.Opened)
	}
}

func TestPoolExhaustion(t *testing.T) {
	p := NewConnPool()
	p.Init(4) // floor gives every class exactly one slot except stream
	defer p.Destroy()

	stats := p.Stats()
	n := stats.SlotsPerClass[ClassReserve]
	fds := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd, err := p.Acquire(ClassReserve)
		if err != nil {
			t.Fatal(err)
		}
		fds = append(fds, fd)
	}
	if _, err := p.Acquire(ClassReserve); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Acquire on full class error = %v, want ErrExhausted", err)
	}
	for _, fd := range fds {
		if err := p.Release(ClassReserve, fd); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := p.Acquire(ClassReserve); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestPoolConnectAndReuse(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	p := NewConnPool()
	p.Init(8)
	defer p.Destroy()

	fd, err := p.Acquire(ClassStream)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(ClassStream, fd, host, port); err != nil && !errors.Is(err, ErrInProgress) {
		t.Fatalf("Connect: %v", err)
	}
	settle()

	// Same endpoint again: plain reuse, no error, same fd.
	if err := p.Connect(ClassStream, fd, host, port); err != nil {
		t.Fatalf("Connect to same endpoint: %v", err)
	}
	if p.SlotIndexOf(ClassStream, fd) < 0 {
		t.Error("fd vanished after same-endpoint reconnect")
	}
	if err := p.Release(ClassStream, fd); err != nil {
		t.Fatal(err)
	}
}

func TestPoolEndpointSwitch(t *testing.T) {
	ln1, host1, port1 := listen(t)
	defer ln1.Close()
	ln2, host2, port2 := listen(t)
	defer ln2.Close()
	for _, ln := range []net.Listener{ln1, ln2} {
		ln := ln
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
			}
		}()
	}

	p := NewConnPool()
	p.Init(8)
	defer p.Destroy()

	fd, err := p.Acquire(ClassStream)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(ClassStream, fd, host1, port1); err != nil && !errors.Is(err, ErrInProgress) {
		t.Fatalf("first Connect: %v", err)
	}
	settle()
	if err := p.Release(ClassStream, fd); err != nil {
		t.Fatal(err)
	}

	fd, err = p.Acquire(ClassStream)
	if err != nil {
		t.Fatal(err)
	}
	before := p.Stats()

	// Switching endpoints must tear the old connection down and run a
	// fresh handshake on a fresh socket.
	if err := p.Connect(ClassStream, fd, host2, port2); err != nil && !errors.Is(err, ErrInProgress) {
		t.Fatalf("switch Connect: %v", err)
	}
	settle()

	after := p.Stats()
	if after.Opened != before.Opened+1 {
		t.Errorf("opened count %d -> %d, want one fresh socket", before.Opened, after.Opened)
	}
	if after.Closed != before.Closed+1 {
		t.Errorf("closed count %d -> %d, want old socket closed once", before.Closed, after.Closed)
	}
	if p.SlotIndexOf(ClassStream, fd) >= 0 {
		t.Error("stale fd still resolves to a slot after endpoint switch")
	}
	newFd := int(p.classes[ClassStream].slots[0].fd.Load())
	if err := p.Release(ClassStream, newFd); err != nil {
		t.Fatal(err)
	}
}

func TestPoolBrokenSocketOnRelease(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	p := NewConnPool()
	p.Init(8)
	defer p.Destroy()

	fd, err := p.Acquire(ClassVision)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(ClassVision, fd, host, port); err != nil && !errors.Is(err, ErrInProgress) {
		t.Fatalf("Connect: %v", err)
	}
	settle()

	// Break the socket behind the pool's back.
	unix.Close(fd)

	if err := p.Release(ClassVision, fd); err != nil {
		t.Fatal(err)
	}
	slot := &p.classes[ClassVision].slots[0]
	if got := slot.fd.Load(); got >= 0 {
		t.Errorf("slot fd = %d after broken release, want sentinel", got)
	}
	if slot.inUse {
		t.Error("slot still in use after broken release")
	}

	// Next acquire repopulates the slot with a fresh socket.
	fresh, err := p.Acquire(ClassVision)
	if err != nil {
		t.Fatal(err)
	}
	if fresh < 0 {
		t.Fatalf("fresh fd = %d", fresh)
	}
	if slot.connected {
		t.Error("fresh slot reports connected")
	}
	if err := p.Release(ClassVision, fresh); err != nil {
		t.Fatal(err)
	}
}

func TestPoolOpenBudgetInvariant(t *testing.T) {
	p := NewConnPool()
	p.Init(8)
	defer p.Destroy()

	slots := p.Stats().SlotsPerClass[ClassStream]
	for i := 0; i < 50; i++ {
		fd, err := p.Acquire(ClassStream)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Release(ClassStream, fd); err != nil {
			t.Fatal(err)
		}
	}
	stats := p.Stats()
	if stats.Opened > uint64(slots)+1 {
		t.Errorf("opened %d sockets for a %d-slot class", stats.Opened, slots)
	}
}

func TestPoolDestroyIdempotent(t *testing.T) {
	p := NewConnPool()
	p.Init(8)
	if _, err := p.Acquire(ClassStream); err != nil {
		t.Fatal(err)
	}
	p.Destroy()
	p.Destroy()
	if _, err := p.Acquire(ClassStream); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after destroy error = %v, want ErrClosed", err)
	}
}
