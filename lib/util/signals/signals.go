// Package signals dispatches process signals to registered handlers:
// interrupts (SIGINT, SIGTERM) for shutdown and SIGHUP for reload.
package signals

import (
	"os"
	"os/signal"
	"sync"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registration for Deregister.
type HandlerID int

type registeredHandler struct {
	id HandlerID
	fn Handler
}

// Dispatcher owns one signal subscription.
type Dispatcher struct {
	ch       chan os.Signal
	stopOnce sync.Once

	mu           sync.RWMutex
	reloaders    []registeredHandler
	interrupters []registeredHandler
	nextID       HandlerID
}

// New subscribes to the platform's shutdown and reload signals.
func New() *Dispatcher {
	d := &Dispatcher{ch: make(chan os.Signal, 1)}
	signal.Notify(d.ch, watched...)
	return d
}

// OnReload registers f for SIGHUP. Nil handlers are ignored and return -1.
func (d *Dispatcher) OnReload(f Handler) HandlerID {
	return d.register(&d.reloaders, f)
}

// OnInterrupt registers f for SIGINT and SIGTERM. Nil handlers are ignored
// and return -1.
func (d *Dispatcher) OnInterrupt(f Handler) HandlerID {
	return d.register(&d.interrupters, f)
}

func (d *Dispatcher) register(list *[]registeredHandler, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	*list = append(*list, registeredHandler{id: id, fn: f})
	return id
}

// Deregister removes a handler of either kind.
func (d *Dispatcher) Deregister(id HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloaders = remove(d.reloaders, id)
	d.interrupters = remove(d.interrupters, id)
}

func remove(list []registeredHandler, id HandlerID) []registeredHandler {
	for i, h := range list {
		if h.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// Handle dispatches signals until Stop is called.
func (d *Dispatcher) Handle() {
	for sig := range d.ch {
		d.dispatch(sig)
	}
}

// Stop unsubscribes and makes Handle return. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		signal.Stop(d.ch)
		close(d.ch)
	})
}

func (d *Dispatcher) dispatch(sig os.Signal) {
	d.mu.RLock()
	var snapshot []registeredHandler
	switch {
	case isReload(sig):
		snapshot = append(snapshot, d.reloaders...)
	case isInterrupt(sig):
		snapshot = append(snapshot, d.interrupters...)
	}
	d.mu.RUnlock()

	log.WithFields(logger.Fields{
		"at":       "(Dispatcher) dispatch",
		"signal":   sig.String(),
		"handlers": len(snapshot),
	}).Info("signal received")
	for _, h := range snapshot {
		run(sig, h.fn)
	}
}

func run(sig os.Signal, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":     "signals.run",
				"signal": sig.String(),
				"panic":  r,
			}).Error("signal handler panicked")
		}
	}()
	fn()
}
