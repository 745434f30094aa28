//go:build !linux

package main

import "net"

// The connection pool works at raw fd level and is wired to Linux (the
// substrate targets Linux/Android). Other platforms get explicit
// Unsupported errors rather than half-working emulation.

func newTCPSocket() (int, error)                  { return invalidFd, ErrUnsupported }
func connectSocket(fd int, ip net.IP, port int) error { return ErrUnsupported }
func isInProgress(err error) bool                 { return false }
func probeSocket(fd int) error                    { return ErrUnsupported }
func shutdownSocket(fd int)                       {}
func closeSocket(fd int)                          {}

func writeSocket(fd int, p []byte) (int, error) { return 0, ErrUnsupported }
