//go:build windows

package signals

import "os"

var watched = []os.Signal{os.Interrupt}

func isReload(os.Signal) bool {
	return false
}

func isInterrupt(sig os.Signal) bool {
	return sig == os.Interrupt
}
