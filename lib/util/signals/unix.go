//go:build !windows

package signals

import (
	"os"
	"syscall"
)

var watched = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

func isReload(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}

func isInterrupt(sig os.Signal) bool {
	return sig == syscall.SIGINT || sig == syscall.SIGTERM
}
