// Package clock provides a wall clock corrected by an NTP offset.
//
// Attestation timestamps and discovery global time read from a Clock so that
// nodes with drifting local clocks still agree on wall time.
package clock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

var log = logger.GetGoI2PLogger()

const (
	DefaultInterval = time.Hour
	queryTimeout    = 5 * time.Second
	retryDelay      = 30 * time.Second
	maxConcurring   = 3

	maxRTT            = 2 * time.Second
	maxClockOffset    = 10 * time.Minute
	maxRootDispersion = time.Second
	maxRootDelay      = time.Second
)

// NTPClient queries one server.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

// DefaultNTPClient queries over the network.
type DefaultNTPClient struct{}

func (DefaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

// Clock is a wall clock corrected by the median offset reported by up to
// three NTP servers. Until the first successful sync it returns local time.
type Clock struct {
	servers  []string
	interval time.Duration
	client   NTPClient
	local    func() time.Time

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// New returns a clock using servers. A nil client queries the network.
func New(servers []string, interval time.Duration, client NTPClient) *Clock {
	if client == nil {
		client = DefaultNTPClient{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Clock{
		servers:  slices.Clone(servers),
		interval: interval,
		client:   client,
		local:    time.Now,
	}
}

// Now returns the corrected wall time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()
	return c.local().Add(offset)
}

// Offset returns the current correction and whether any sync succeeded.
func (c *Clock) Offset() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.synced
}

// Sync queries the servers once and applies the median valid offset.
func (c *Clock) Sync() error {
	if len(c.servers) == 0 {
		return errs.New(errs.Validation, "(Clock) Sync", "no NTP servers configured")
	}
	var offsets []time.Duration
	for _, server := range c.servers {
		if len(offsets) == maxConcurring {
			break
		}
		resp, err := c.client.QueryWithOptions(server, ntp.QueryOptions{Timeout: queryTimeout})
		if err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Clock) Sync",
				"server": server,
			}).WithError(err).Debug("ntp query failed")
			continue
		}
		if err := validateResponse(resp); err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Clock) Sync",
				"server": server,
				"reason": err.Error(),
			}).Debug("ntp response rejected")
			continue
		}
		offsets = append(offsets, resp.ClockOffset)
	}

	if len(offsets) == 0 {
		return errs.Temporary(errs.Transport, "(Clock) Sync", oops.Errorf("no valid NTP response from %d servers", len(c.servers)))
	}
	slices.Sort(offsets)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offsets[len(offsets)/2]
	c.synced = true
	log.WithFields(logger.Fields{
		"at":      "(Clock) Sync",
		"offset":  c.offset,
		"samples": len(offsets),
	}).Debug("clock synchronised")
	return nil
}

// Run syncs immediately and then every interval until ctx is done. Failed
// syncs are retried sooner with jitter.
func (c *Clock) Run(ctx context.Context) {
	for {
		wait := c.interval
		if err := c.Sync(); err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Clock) Run",
				"reason": "sync failed",
			}).WithError(err).Warn("using uncorrected clock")
			wait = min(c.interval, retryDelay+time.Duration(rand.Int63n(int64(retryDelay))))
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func validateResponse(r *ntp.Response) error {
	switch {
	case r.Leap == ntp.LeapNotInSync:
		return oops.Errorf("server clock not synchronised")
	case r.Stratum == 0 || r.Stratum > 15:
		return oops.Errorf("stratum %d out of range", r.Stratum)
	case r.RTT < 0 || r.RTT > maxRTT:
		return oops.Errorf("round trip %v out of bounds", r.RTT)
	case r.ClockOffset > maxClockOffset || r.ClockOffset < -maxClockOffset:
		return oops.Errorf("clock offset %v out of bounds", r.ClockOffset)
	case r.RootDispersion > maxRootDispersion:
		return oops.Errorf("root dispersion %v too high", r.RootDispersion)
	case r.RootDelay > maxRootDelay:
		return oops.Errorf("root delay %v too high", r.RootDelay)
	}
	return nil
}
