package main

import (
	"github.com/coreos/go-systemd/daemon"
)

// ServiceManagerStartNotify tells systemd the data plane is ready.
func ServiceManagerStartNotify() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}
