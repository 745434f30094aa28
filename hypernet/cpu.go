package main

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/jedisct1/dlog"
	"golang.org/x/sys/cpu"
)

// Capability bits reported by CapsMask. The mask layout is part of the
// boundary contract.
const (
	CapSIMD  uint32 = 1 << 0 // NEON / SSE-class vector unit
	CapAES   uint32 = 1 << 1
	CapPMULL uint32 = 1 << 2 // carryless multiply (PMULL / PCLMULQDQ)
	CapSHA1  uint32 = 1 << 3
	CapSHA2  uint32 = 1 << 4
)

var (
	capsOnce   sync.Once
	capsCached atomic.Bool
	capsMask   atomic.Uint32
)

// detectCaps probes the CPU once. golang.org/x/sys/cpu reads the
// auxiliary vector on Linux/ARM64 and falls back to feature-string
// parsing where auxv is unavailable, which matches what we want on
// Android kernels.
func detectCaps() {
	capsOnce.Do(func() {
		var mask uint32
		switch runtime.GOARCH {
		case "arm64":
			mask |= CapSIMD // ASIMD is baseline on armv8
			if cpu.ARM64.HasAES {
				mask |= CapAES
			}
			if cpu.ARM64.HasPMULL {
				mask |= CapPMULL
			}
			if cpu.ARM64.HasSHA1 {
				mask |= CapSHA1
			}
			if cpu.ARM64.HasSHA2 {
				mask |= CapSHA2
			}
		case "arm":
			if cpu.ARM.HasNEON {
				mask |= CapSIMD
			}
			if cpu.ARM.HasAES {
				mask |= CapAES
			}
			if cpu.ARM.HasPMULL {
				mask |= CapPMULL
			}
			if cpu.ARM.HasSHA1 {
				mask |= CapSHA1
			}
			if cpu.ARM.HasSHA2 {
				mask |= CapSHA2
			}
		case "amd64":
			mask |= CapSIMD // SSE2 is baseline on amd64
			if cpu.X86.HasAES {
				mask |= CapAES
			}
			if cpu.X86.HasPCLMULQDQ {
				mask |= CapPMULL
			}
		}
		capsMask.Store(mask)
		capsCached.Store(true)
		dlog.Debugf("CPU caps detected: %#x", mask)
	})
}

// CapsMask returns the full capability bitmask. Lock-free after the
// first call.
func CapsMask() uint32 {
	if !capsCached.Load() {
		detectCaps()
	}
	return capsMask.Load()
}

// HasSIMD reports vector-unit availability.
func HasSIMD() bool { return CapsMask()&CapSIMD != 0 }

// HasAES reports hardware AES support.
func HasAES() bool { return CapsMask()&CapAES != 0 }
