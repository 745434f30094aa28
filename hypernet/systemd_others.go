//go:build !linux

package main

func ServiceManagerStartNotify() error {
	return nil
}
