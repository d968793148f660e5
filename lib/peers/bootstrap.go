package peers

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentLookups = 8

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ResolveBootstrap turns host:port entries into IPv4 endpoints, resolving
// names concurrently. Entries that fail to resolve are skipped; an error is
// returned only if none resolve.
func ResolveBootstrap(ctx context.Context, resolver Resolver, entries []string) ([]netip.AddrPort, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	var (
		mu  sync.Mutex
		out []netip.AddrPort
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for _, entry := range entries {
		g.Go(func() error {
			eps, err := resolveEntry(gctx, resolver, entry)
			if err != nil {
				log.WithFields(logger.Fields{
					"at":     "ResolveBootstrap",
					"entry":  entry,
					"reason": err.Error(),
				}).Warn("skipping bootstrap entry")
				return nil
			}
			mu.Lock()
			out = append(out, eps...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(out) == 0 && len(entries) > 0 {
		return nil, errs.New(errs.Transport, "peers.ResolveBootstrap", "none of %d bootstrap entries resolved", len(entries))
	}
	return out, nil
}

func resolveEntry(ctx context.Context, resolver Resolver, entry string) ([]netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return nil, oops.Wrapf(err, "invalid bootstrap entry")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, oops.Errorf("invalid bootstrap port %q", portStr)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Unmap().Is4() {
			return nil, oops.Errorf("bootstrap address %s is not IPv4", ip)
		}
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), uint16(port))}, nil
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, oops.Wrapf(err, "lookup failed")
	}
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		if a.Unmap().Is4() {
			out = append(out, netip.AddrPortFrom(a.Unmap(), uint16(port)))
		}
	}
	if len(out) == 0 {
		return nil, oops.Errorf("no IPv4 address for %s", host)
	}
	return out, nil
}

// Maintainer periodically evicts inactive peers and re-seeds the bootstrap
// entries when the registry runs low.
type Maintainer struct {
	Registry     *Registry
	Bootstrap    []netip.AddrPort
	LowWatermark int
	Interval     time.Duration
}

// Run sweeps until ctx is done.
func (m *Maintainer) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one eviction and re-seed pass.
func (m *Maintainer) Sweep() {
	m.Registry.Evict()
	if m.Registry.Len() >= m.LowWatermark {
		return
	}
	for _, addr := range m.Bootstrap {
		m.Registry.AddBootstrap(addr)
	}
	log.WithFields(logger.Fields{
		"at":        "(Maintainer) Sweep",
		"reason":    "below low watermark",
		"peers":     m.Registry.Len(),
		"bootstrap": len(m.Bootstrap),
	}).Info("re-seeded bootstrap peers")
}
