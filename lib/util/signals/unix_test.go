//go:build !windows

package signals

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReloadOnlyOnHangup(t *testing.T) {
	d := New()
	defer d.Stop()

	var reloads, interrupts int
	d.OnReload(func() { reloads++ })
	d.OnInterrupt(func() { interrupts++ })

	d.dispatch(syscall.SIGHUP)
	d.dispatch(syscall.SIGTERM)
	assert.Equal(t, 1, reloads)
	assert.Equal(t, 1, interrupts)
}
