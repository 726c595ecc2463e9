//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyStatus calls dump on every SIGUSR1 until the returned stop is called.
func notifyStatus(dump func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ch:
				dump()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
