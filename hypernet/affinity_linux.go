package main

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinCurrentThread binds the calling OS thread to a single logical CPU.
// The caller must hold runtime.LockOSThread. Failures (EPERM in
// containers, cgroup-restricted masks) are returned for logging only and
// never gate startup.
func pinCurrentThread(cpu int) error {
	if cpu < 0 {
		return unix.EINVAL
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// performanceCore maps a worker index to a preferred core. On
// heterogeneous parts the performance tier occupies the upper half of
// the logical id space, so workers rotate through that half. The CPU
// topology is not inspected: homogeneous parts get the same upper-half
// rotation, and the lower half is never chosen.
func performanceCore(workerID int) int {
	n := runtime.NumCPU()
	if n <= 1 {
		return 0
	}
	half := n / 2
	return half + workerID%(n-half)
}
