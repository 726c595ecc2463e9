//go:build windows

package main

// notifyStatus is a no-op: there is no SIGUSR1 on this platform.
func notifyStatus(func()) (stop func()) {
	return func() {}
}
