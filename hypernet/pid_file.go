package main

import (
	"os"
	"strconv"

	"github.com/dchest/safefile"
)

var pidFile *string

// PidFileCreate writes the daemon's PID atomically so a crashed process
// never leaves a truncated file behind.
func PidFileCreate() error {
	if pidFile == nil || len(*pidFile) == 0 {
		return nil
	}
	return safefile.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// PidFileRemove deletes the PID file if one was written.
func PidFileRemove() error {
	if pidFile == nil || len(*pidFile) == 0 {
		return nil
	}
	return os.Remove(*pidFile)
}
