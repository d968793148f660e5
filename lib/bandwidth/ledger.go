package bandwidth

import (
	"math"
	"sync/atomic"

	"github.com/go-i2p/logger"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

var log = logger.GetGoI2PLogger()

// DefaultProportionalityThreshold is the tolerated deviation of the relay
// ratio from 1.0.
const DefaultProportionalityThreshold = 0.05

// Totals is a point-in-time copy of the ledger counters.
type Totals struct {
	Downloaded uint64
	Uploaded   uint64
	Relayed    uint64
}

// Ledger holds cumulative byte counters. All methods are safe for
// concurrent use and counters never decrease.
type Ledger struct {
	downloaded atomic.Uint64
	uploaded   atomic.Uint64
	relayed    atomic.Uint64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// RecordDownload adds n bytes received through our own circuits.
func (l *Ledger) RecordDownload(n int64) error {
	return record(&l.downloaded, n, "(Ledger) RecordDownload")
}

// RecordUpload adds n bytes sent through our own circuits.
func (l *Ledger) RecordUpload(n int64) error {
	return record(&l.uploaded, n, "(Ledger) RecordUpload")
}

// RecordRelay adds n bytes forwarded for other nodes' circuits.
func (l *Ledger) RecordRelay(n int64) error {
	return record(&l.relayed, n, "(Ledger) RecordRelay")
}

func record(c *atomic.Uint64, n int64, op string) error {
	if n < 0 {
		return errs.New(errs.Validation, op, "byte count must not be negative, got %d", n)
	}
	c.Add(uint64(n))
	return nil
}

// Totals returns the current counters.
func (l *Ledger) Totals() Totals {
	return Totals{
		Downloaded: l.downloaded.Load(),
		Uploaded:   l.uploaded.Load(),
		Relayed:    l.relayed.Load(),
	}
}

// RelayRatio is relayed / downloaded, or 0 when nothing was downloaded.
func (l *Ledger) RelayRatio() float64 {
	return l.Totals().RelayRatio()
}

// RequiredRelayBytes is how many more bytes must be relayed to match what
// was downloaded.
func (l *Ledger) RequiredRelayBytes() uint64 {
	return l.Totals().RequiredRelayBytes()
}

// IsProportional reports whether the relay ratio is within threshold of 1.0.
// threshold must lie in [0, 1].
func (l *Ledger) IsProportional(threshold float64) (bool, error) {
	return l.Totals().IsProportional(threshold)
}

// RelayRatio is relayed / downloaded, or 0 when nothing was downloaded.
func (t Totals) RelayRatio() float64 {
	if t.Downloaded == 0 {
		return 0
	}
	return float64(t.Relayed) / float64(t.Downloaded)
}

// RequiredRelayBytes is max(0, downloaded - relayed).
func (t Totals) RequiredRelayBytes() uint64 {
	if t.Relayed >= t.Downloaded {
		return 0
	}
	return t.Downloaded - t.Relayed
}

// IsProportional reports whether |ratio - 1| <= threshold.
func (t Totals) IsProportional(threshold float64) (bool, error) {
	if err := ValidateThreshold(threshold); err != nil {
		return false, err
	}
	return math.Abs(t.RelayRatio()-1.0) <= threshold, nil
}

// ValidateThreshold rejects thresholds outside [0, 1], NaN included.
func ValidateThreshold(threshold float64) error {
	if !(threshold >= 0 && threshold <= 1) {
		return errs.New(errs.Validation, "bandwidth.ValidateThreshold", "threshold %v outside [0, 1]", threshold)
	}
	return nil
}
