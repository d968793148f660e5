package bandwidth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// SampleInterval is the spacing of rate samples.
	SampleInterval = time.Second
	// RateWindow is the span of the long average.
	RateWindow = 15 * time.Second

	maxSamples = int(RateWindow / SampleInterval)
)

// Rates are bytes per second over the last sample and the last RateWindow.
type Rates struct {
	Download1s  uint64
	Download15s uint64
	Upload1s    uint64
	Upload15s   uint64
	Relay1s     uint64
	Relay15s    uint64
}

type sample struct {
	at    time.Time
	delta Totals
}

type rate struct {
	short, long atomic.Uint64
}

// Tracker samples a ledger once per SampleInterval and keeps rolling
// averages.
type Tracker struct {
	source func() Totals
	now    func() time.Time

	mu      sync.Mutex
	samples []sample
	last    Totals
	primed  bool

	download, upload, relay rate
}

// NewTracker returns a tracker reading from ledger.
func NewTracker(ledger *Ledger) *Tracker {
	return newTracker(ledger.Totals, time.Now)
}

func newTracker(source func() Totals, now func() time.Time) *Tracker {
	return &Tracker{
		source:  source,
		now:     now,
		samples: make([]sample, 0, maxSamples),
	}
}

// Run samples until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
	t.Sample()
	for {
		select {
		case <-ticker.C:
			t.Sample()
		case <-ctx.Done():
			return
		}
	}
}

// Sample takes one sample. The first call only records a baseline.
func (t *Tracker) Sample() {
	now := t.now()
	cur := t.source()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.primed {
		t.last = cur
		t.primed = true
		return
	}
	s := sample{at: now, delta: Totals{
		Downloaded: delta(cur.Downloaded, t.last.Downloaded),
		Uploaded:   delta(cur.Uploaded, t.last.Uploaded),
		Relayed:    delta(cur.Relayed, t.last.Relayed),
	}}
	t.last = cur
	t.samples = append(t.samples, s)
	if len(t.samples) > maxSamples {
		t.samples = t.samples[1:]
	}
	t.updateRates(now)
}

// delta treats a counter that went backwards as a reset.
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// updateRates must be called with mu held.
func (t *Tracker) updateRates(now time.Time) {
	latest := t.samples[len(t.samples)-1].delta
	t.download.short.Store(latest.Downloaded)
	t.upload.short.Store(latest.Uploaded)
	t.relay.short.Store(latest.Relayed)

	var sum Totals
	var n uint64
	for i := len(t.samples) - 1; i >= 0; i-- {
		s := t.samples[i]
		if now.Sub(s.at) >= RateWindow {
			break
		}
		sum.Downloaded += s.delta.Downloaded
		sum.Uploaded += s.delta.Uploaded
		sum.Relayed += s.delta.Relayed
		n++
	}
	if n == 0 {
		n = 1
	}
	t.download.long.Store(sum.Downloaded / n)
	t.upload.long.Store(sum.Uploaded / n)
	t.relay.long.Store(sum.Relayed / n)
}

// Rates returns the cached rates.
func (t *Tracker) Rates() Rates {
	return Rates{
		Download1s:  t.download.short.Load(),
		Download15s: t.download.long.Load(),
		Upload1s:    t.upload.short.Load(),
		Upload15s:   t.upload.long.Load(),
		Relay1s:     t.relay.short.Load(),
		Relay15s:    t.relay.long.Load(),
	}
}
