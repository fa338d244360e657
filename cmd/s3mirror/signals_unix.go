//go:build !windows

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

var stopSignals = []os.Signal{
	unix.SIGHUP,
	unix.SIGINT,
	unix.SIGTERM,
	unix.SIGUSR1,
	unix.SIGUSR2,
}
