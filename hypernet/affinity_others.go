//go:build !linux

package main

import "runtime"

// Thread affinity is a Linux-only hint; elsewhere the scheduler decides.
func pinCurrentThread(cpu int) error {
	return ErrUnsupported
}

func performanceCore(workerID int) int {
	n := runtime.NumCPU()
	if n <= 0 {
		return 0
	}
	return workerID % n
}
