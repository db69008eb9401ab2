// Package coordinator owns the full lifecycle of a single download: it
// drives the tracker announce loop, dials and supervises peer sessions up to
// a bounded concurrency limit, and wires received blocks through the piece
// map into the writer. Exactly one Coordinator exists per download.
package coordinator

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/burrow/internal/bitfield"
	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/internal/metainfo"
	"github.com/prxssh/burrow/internal/peer"
	"github.com/prxssh/burrow/internal/piecemap"
	"github.com/prxssh/burrow/internal/syncutil"
	"github.com/prxssh/burrow/internal/tracker"
	"github.com/prxssh/burrow/internal/writer"
)

// Stats is a point-in-time snapshot of swarm-wide progress, suitable for
// driving a progress bar or a `burrow test` diagnostic dump.
type Stats struct {
	ActivePeers       uint32
	TotalConnected    uint64
	FailedConnections uint64
	PiecesVerified    uint64
	BytesDownloaded   uint64
	RemainingBlocks   uint64
	NumPieces         uint32
}

type counters struct {
	activePeers       atomic.Int32
	totalConnected    atomic.Uint64
	failedConnections atomic.Uint64
	piecesVerified    atomic.Uint64
	bytesDownloaded   atomic.Uint64
}

// Coordinator runs one torrent download end to end.
type Coordinator struct {
	cfg *config.Config
	log *slog.Logger
	mi  *metainfo.Metainfo

	pieceMap *piecemap.Map
	writer   *writer.Writer
	tracker  *tracker.Tracker

	sessions *syncutil.Map[netip.AddrPort, *peer.Session]

	connectCh chan netip.AddrPort

	backoffMu sync.Mutex
	backoff   map[netip.AddrPort]*backoffState

	stats counters

	completeOnce sync.Once
	completeCh   chan struct{}
}

// New builds a Coordinator for mi, creating (and resume-scanning) its
// on-disk layout. The returned Coordinator is not yet running; call Run.
func New(mi *metainfo.Metainfo, cfg *config.Config, log *slog.Logger) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "coordinator", "name", mi.Info.Name)

	w, err := writer.New(mi, &writer.Config{DownloadDir: cfg.DownloadDir, DiskQueueSize: cfg.DiskQueueSize}, log)
	if err != nil {
		return nil, fmt.Errorf("coordinator: writer: %w", err)
	}

	c := &Coordinator{
		cfg:        cfg,
		log:        log,
		mi:         mi,
		writer:     w,
		sessions:   syncutil.New[netip.AddrPort, *peer.Session](),
		connectCh:  make(chan netip.AddrPort, cfg.MaxPeers*4),
		backoff:    make(map[netip.AddrPort]*backoffState),
		completeCh: make(chan struct{}),
	}

	pm, err := piecemap.New(
		mi.Info.Pieces,
		uint32(mi.Info.PieceLength),
		uint64(mi.Size()),
		cfg.RequestTimeout,
		log,
		c.onPieceVerified,
	)
	if err != nil {
		return nil, fmt.Errorf("coordinator: piecemap: %w", err)
	}
	c.pieceMap = pm

	have, err := w.ResumeScan(mi)
	if err != nil {
		return nil, fmt.Errorf("coordinator: resume scan: %w", err)
	}
	resumed := 0
	for i, ok := range have {
		if !ok {
			continue
		}
		if err := pm.MarkVerified(uint32(i)); err == nil {
			resumed++
		}
	}
	if resumed > 0 {
		log.Info("resumed pieces from disk", "count", resumed, "total", pm.NumPieces())
	}

	trk, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		Config: &tracker.Config{
			AnnounceInterval:    cfg.Tracker.AnnounceInterval,
			MinAnnounceInterval: cfg.Tracker.MinAnnounceInterval,
			MaxAnnounceBackoff:  cfg.Tracker.MaxAnnounceBackoff,
		},
		Log:               log,
		OnAnnounceStart:   c.buildAnnounceParams,
		OnAnnounceSuccess: c.admitPeers,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: tracker: %w", err)
	}
	c.tracker = trk

	return c, nil
}

func (c *Coordinator) onPieceVerified(index uint32, data []byte) {
	c.stats.piecesVerified.Add(1)
	c.stats.bytesDownloaded.Add(uint64(len(data)))
	c.writer.Submit(index, data)

	if c.pieceMap.IsComplete() {
		c.completeOnce.Do(func() { close(c.completeCh) })
	}
}

func (c *Coordinator) buildAnnounceParams() *tracker.AnnounceParams {
	remaining := c.pieceMap.RemainingBlocks() * piecemap.MaxBlockLength

	return &tracker.AnnounceParams{
		InfoHash: c.mi.InfoHash,
		PeerID:   c.cfg.ClientID,
		Left:     remaining,
		NumWant:  c.cfg.NumWant,
		Port:     c.cfg.ListenPort,
	}
}

func (c *Coordinator) admitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case c.connectCh <- addr:
		default:
			c.log.Warn("connect queue full, dropping candidate", "addr", addr)
		}
	}
}

// Run drives the download to completion or until ctx is canceled, whichever
// comes first. It returns nil on a completed download.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.pieceMap.IsComplete() {
		c.log.Info("download complete", "pieces", c.pieceMap.NumPieces())
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.writer.Run(gctx) })
	g.Go(func() error { return c.tracker.Run(gctx) })
	g.Go(func() error { return c.reapLoop(gctx) })

	for i := 0; i < c.cfg.DialWorkers; i++ {
		g.Go(func() error { return c.dialLoop(gctx) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-c.completeCh:
			c.log.Info("download complete", "pieces", c.pieceMap.NumPieces())
			c.writer.Close()
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// Stats returns a snapshot of download progress.
func (c *Coordinator) Stats() Stats {
	return Stats{
		ActivePeers:       uint32(c.sessions.Len()),
		TotalConnected:    c.stats.totalConnected.Load(),
		FailedConnections: c.stats.failedConnections.Load(),
		PiecesVerified:    c.stats.piecesVerified.Load(),
		BytesDownloaded:   c.stats.bytesDownloaded.Load(),
		RemainingBlocks:   c.pieceMap.RemainingBlocks(),
		NumPieces:         c.pieceMap.NumPieces(),
	}
}

func (c *Coordinator) dialLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case addr, ok := <-c.connectCh:
			if !ok {
				return nil
			}
			if !c.admit(addr) {
				continue
			}
			c.connectAndRun(ctx, addr)
		}
	}
}

func (c *Coordinator) admit(addr netip.AddrPort) bool {
	_, dup := c.sessions.Get(addr)
	total := c.sessions.Len()

	if dup || total >= c.cfg.MaxPeers {
		return false
	}

	c.backoffMu.Lock()
	bs, waiting := c.backoff[addr]
	c.backoffMu.Unlock()
	if waiting && time.Now().Before(bs.nextAttempt) {
		return false
	}

	return true
}

func (c *Coordinator) connectAndRun(ctx context.Context, addr netip.AddrPort) {
	sessCfg := &peer.Config{
		DialTimeout:       c.cfg.DialTimeout,
		ReadTimeout:       c.cfg.ReadTimeout,
		WriteTimeout:      c.cfg.WriteTimeout,
		KeepAliveInterval: c.cfg.KeepAliveInterval,
		RequestTimeout:    c.cfg.RequestTimeout,
		PipelineDepth:     c.cfg.PipelineDepth,
		OutboundQueueSize: 64,
		MaxDownloadRate:   c.cfg.MaxDownloadRate,
	}

	cb := peer.Callbacks{
		NextRequests: func(p netip.AddrPort, have bitfield.Bitfield, want int) []peer.BlockRequest {
			reqs := c.pieceMap.NextRequests(p, have, want)
			out := make([]peer.BlockRequest, len(reqs))
			for i, r := range reqs {
				out[i] = peer.BlockRequest{PieceIndex: r.PieceIndex, Begin: r.Begin, Length: r.Length}
			}
			return out
		},
		OnBlock: func(p netip.AddrPort, pieceIndex, begin uint32, data []byte) error {
			return c.pieceMap.OnBlockReceived(p, pieceIndex, begin, data)
		},
		ReleaseBlocks: func(p netip.AddrPort) {
			c.pieceMap.ReleasePeer(p)
		},
		HasWantedPiece: func(have bitfield.Bitfield) bool {
			local := c.pieceMap.Bitfield()
			for i := 0; i < have.Len(); i++ {
				if have.Has(i) && !local.Has(i) {
					return true
				}
			}
			return false
		},
		OnDisconnect: func(p netip.AddrPort) {
			c.pieceMap.ReleasePeer(p)
			c.sessions.Delete(p)
			c.scheduleReconnect(p)
		},
	}

	var infoHash [sha1.Size]byte = c.mi.InfoHash

	sess, err := peer.Dial(ctx, addr, infoHash, c.cfg.ClientID, int(c.pieceMap.NumPieces()), sessCfg, cb, c.log)
	if err != nil {
		c.stats.failedConnections.Add(1)
		c.scheduleReconnect(addr)
		return
	}

	c.sessions.Put(addr, sess)
	c.stats.totalConnected.Add(1)
	c.resetBackoff(addr)

	go func() {
		_ = sess.Run(ctx)
	}()
}

func (c *Coordinator) scheduleReconnect(addr netip.AddrPort) {
	c.backoffMu.Lock()
	bs, ok := c.backoff[addr]
	if !ok {
		bs = &backoffState{}
		c.backoff[addr] = bs
	}
	bs.attempts++
	delay := nextBackoff(bs.attempts, c.cfg.ReconnectBackoffBase, c.cfg.ReconnectBackoffMax)
	bs.nextAttempt = time.Now().Add(delay)
	c.backoffMu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		<-timer.C
		select {
		case c.connectCh <- addr:
		default:
		}
	}()
}

func (c *Coordinator) resetBackoff(addr netip.AddrPort) {
	c.backoffMu.Lock()
	delete(c.backoff, addr)
	c.backoffMu.Unlock()
}

func (c *Coordinator) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RequestTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.pieceMap.ReapTimeouts(time.Now()); n > 0 {
				c.log.Debug("reaped timed-out block requests", "count", n)
			}
		}
	}
}
