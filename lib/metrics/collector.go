package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

var log = logger.GetGoI2PLogger()

const namespace = "tunnelfin"

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

var (
	circuitsDesc         = newDesc("circuits", "Originated circuits by state.", "state")
	relayCircuitsDesc    = newDesc("relay_circuits", "Circuits relayed for other nodes.")
	channelsDesc         = newDesc("channels", "Open anonymous channels.")
	buildsDesc           = newDesc("circuit_builds_total", "Circuit builds by outcome.", "outcome")
	replacementsDesc     = newDesc("circuit_replacements_total", "Builds started to replace a lost circuit.")
	failuresDesc         = newDesc("circuit_failures_total", "Circuit failures by reason.", "reason")
	heartbeatsMissedDesc = newDesc("heartbeats_missed_total", "Heartbeat rounds without a pong.")
	relayRequestsDesc    = newDesc("relay_requests_total", "Relay requests by decision.", "decision")
	relayReapedDesc      = newDesc("relay_reaped_total", "Idle relay circuits removed.")
	relayCellsDesc       = newDesc("relay_cells_total", "Cells forwarded as a relay.")
	bandwidthDesc        = newDesc("bandwidth_bytes_total", "Bytes by direction.", "direction")
	rateDesc             = newDesc("bandwidth_rate_bytes", "Bytes per second by direction and window.", "direction", "window")
	relayRatioDesc       = newDesc("relay_ratio", "Relayed bytes divided by downloaded bytes.")
	requiredRelayDesc    = newDesc("relay_required_bytes", "Bytes to relay before contribution is proportional.")
	packetsDesc          = newDesc("transport_packets_total", "Datagrams by direction.", "direction")
	bytesDesc            = newDesc("transport_bytes_total", "Datagram bytes by direction.", "direction")
	transportErrorsDesc  = newDesc("transport_errors_total", "Datagrams not sent, by kind.", "kind")
	decodeDropsDesc      = newDesc("decode_drops_total", "Inbound datagrams dropped before dispatch, by kind.", "kind")
	handshakesDesc       = newDesc("handshakes_total", "Introduction exchanges by outcome.", "outcome")
	peersDesc            = newDesc("peers", "Known peers by NAT class.", "nat")
)

// Collector exports a Snapshot on every scrape.
type Collector struct {
	src Sources
}

// NewCollector returns a collector over src.
func NewCollector(src Sources) *Collector {
	return &Collector{src: src}
}

// Snapshot reads the sources.
func (c *Collector) Snapshot() Snapshot {
	return c.src.Take()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		circuitsDesc, relayCircuitsDesc, channelsDesc, buildsDesc, replacementsDesc,
		failuresDesc, heartbeatsMissedDesc, relayRequestsDesc, relayReapedDesc, relayCellsDesc,
		bandwidthDesc, rateDesc, relayRatioDesc, requiredRelayDesc, packetsDesc,
		bytesDesc, transportErrorsDesc, decodeDropsDesc, handshakesDesc, peersDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for state, n := range s.CircuitsByState {
		gauge(circuitsDesc, float64(n), state)
	}
	gauge(relayCircuitsDesc, float64(s.RelayCircuits))
	gauge(channelsDesc, float64(s.Channels))
	counter(buildsDesc, s.Builds.BuildsStarted, "started")
	counter(buildsDesc, s.Builds.BuildsSucceeded, "succeeded")
	counter(buildsDesc, s.Builds.BuildsFailed, "failed")
	counter(replacementsDesc, s.Builds.Replacements)
	for reason, n := range s.Builds.FailuresByReason {
		counter(failuresDesc, n, reason)
	}
	counter(heartbeatsMissedDesc, s.HeartbeatsMissed)
	counter(relayRequestsDesc, s.Builds.RelayAccepted, "accepted")
	counter(relayRequestsDesc, s.Builds.RelayRejected, "rejected")
	counter(relayReapedDesc, s.Builds.RelayReaped)
	counter(relayCellsDesc, s.Builds.CellsRelayed)

	counter(bandwidthDesc, s.Bandwidth.Downloaded, "download")
	counter(bandwidthDesc, s.Bandwidth.Uploaded, "upload")
	counter(bandwidthDesc, s.Bandwidth.Relayed, "relay")
	gauge(rateDesc, float64(s.Rates.Download1s), "download", "1s")
	gauge(rateDesc, float64(s.Rates.Download15s), "download", "15s")
	gauge(rateDesc, float64(s.Rates.Upload1s), "upload", "1s")
	gauge(rateDesc, float64(s.Rates.Upload15s), "upload", "15s")
	gauge(rateDesc, float64(s.Rates.Relay1s), "relay", "1s")
	gauge(rateDesc, float64(s.Rates.Relay15s), "relay", "15s")
	gauge(relayRatioDesc, s.RelayRatio)
	gauge(requiredRelayDesc, float64(s.RequiredRelayBytes))

	counter(packetsDesc, s.Transport.PacketsIn, "in")
	counter(packetsDesc, s.Transport.PacketsOut, "out")
	counter(bytesDesc, s.Transport.BytesIn, "in")
	counter(bytesDesc, s.Transport.BytesOut, "out")
	counter(transportErrorsDesc, s.Transport.SendErrors, "send")
	counter(transportErrorsDesc, s.Transport.Oversize, "oversize")
	counter(transportErrorsDesc, s.Transport.RateLimited, "rate_limited")
	counter(decodeDropsDesc, s.Decode.DecodeDrops, "malformed")
	counter(decodeDropsDesc, s.Decode.Foreign, "foreign")
	counter(decodeDropsDesc, s.Decode.Unhandled, "unhandled")

	h := s.Handshakes
	counter(handshakesDesc, h.Started, "started")
	counter(handshakesDesc, h.Completed, "completed")
	counter(handshakesDesc, h.TimedOut, "timed_out")
	counter(handshakesDesc, h.Failed, "failed")
	counter(handshakesDesc, h.Stale, "stale")
	counter(handshakesDesc, h.RateLimited, "rate_limited")

	for nat, n := range s.PeersByNAT {
		gauge(peersDesc, float64(n), nat)
	}
}

// Handler serves c in the prometheus text format from a private registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics until ctx is done.
func Serve(ctx context.Context, addr string, c *Collector) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return oops.Wrapf(err, "metrics listen on %s", addr)
	}
	return ServeListener(ctx, l, c)
}

// ServeListener serves /metrics on l until ctx is done.
func ServeListener(ctx context.Context, l net.Listener, c *Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(c))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(logger.Fields{
		"at":     "metrics.Serve",
		"listen": l.Addr().String(),
	}).Info("serving metrics")
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return oops.Wrapf(err, "metrics server")
	}
	return nil
}
