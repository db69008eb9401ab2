// Package metrics exposes download progress as Prometheus collectors. It
// mirrors the counters the coordinator already keeps (coordinator.Stats)
// onto gauges a scraper can read; it does not introduce any new bookkeeping
// of its own.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector publishes a download's live counters as Prometheus gauges.
type Collector struct {
	ActivePeers       prometheus.Gauge
	TotalConnected    prometheus.Gauge
	FailedConnections prometheus.Gauge
	PiecesVerified    prometheus.Gauge
	PiecesTotal       prometheus.Gauge
	BytesDownloaded   prometheus.Gauge
	RemainingBlocks   prometheus.Gauge

	server *http.Server
}

// Source is a narrow interface for anything that can produce a Snapshot.
// coordinator.Coordinator does not implement it directly (its Stats returns
// coordinator.Stats); cmd/burrow converts with toSnapshot instead.
type Source interface {
	Stats() Snapshot
}

// Snapshot mirrors coordinator.Stats so this package doesn't import
// internal/coordinator (metrics sits below coordinator in the dependency
// graph; cmd/burrow wires them together).
type Snapshot struct {
	ActivePeers       uint32
	TotalConnected    uint64
	FailedConnections uint64
	PiecesVerified    uint64
	NumPieces         uint32
	BytesDownloaded   uint64
	RemainingBlocks   uint64
}

func NewCollector(namespace string) *Collector {
	f := func(name, help string) prometheus.Gauge {
		return promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	return &Collector{
		ActivePeers:       f("active_peers", "Number of currently connected peer sessions."),
		TotalConnected:    f("total_connected", "Total peer connections established since start."),
		FailedConnections: f("failed_connections", "Total outbound connection attempts that failed."),
		PiecesVerified:    f("pieces_verified", "Number of pieces that have passed SHA-1 verification."),
		PiecesTotal:       f("pieces_total", "Total number of pieces in the torrent."),
		BytesDownloaded:   f("bytes_downloaded", "Total verified bytes downloaded."),
		RemainingBlocks:   f("remaining_blocks", "Number of blocks not yet requested or awaiting re-request."),
	}
}

// Observe updates every gauge from a snapshot. Call this periodically (e.g.
// once a second) from the CLI's progress loop.
func (c *Collector) Observe(s Snapshot) {
	c.ActivePeers.Set(float64(s.ActivePeers))
	c.TotalConnected.Set(float64(s.TotalConnected))
	c.FailedConnections.Set(float64(s.FailedConnections))
	c.PiecesVerified.Set(float64(s.PiecesVerified))
	c.PiecesTotal.Set(float64(s.NumPieces))
	c.BytesDownloaded.Set(float64(s.BytesDownloaded))
	c.RemainingBlocks.Set(float64(s.RemainingBlocks))
}

// Serve starts the /metrics HTTP endpoint on addr and blocks until ctx is
// canceled, then shuts the server down gracefully.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	c.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- c.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return c.server.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
