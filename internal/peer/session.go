// Package peer implements the per-connection BitTorrent wire-protocol state
// machine for a leeching client: Dialing -> Handshaking -> Ready, with
// edge-triggered interest signaling and pipelined block requests. The
// session never unchokes its remote peer and never serves Piece uploads —
// this client only downloads.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/prxssh/burrow/internal/bitfield"
	"github.com/prxssh/burrow/internal/protocol"

	"log/slog"
)

// Phase is the session's position in its connection lifecycle.
type Phase uint8

const (
	Dialing Phase = iota
	Handshaking
	Ready
	Closed
)

func (p Phase) String() string {
	switch p {
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	maskAmInterested   = 1 << 0
	maskPeerChoking    = 1 << 1
	maskPeerInterested = 1 << 2
)

// Config holds the session-level timing and pipelining policy. All of these
// are open questions spec.md leaves to the implementation; see SPEC_FULL.md
// §11 for the defaults chosen here.
type Config struct {
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration // also used as the peer inactivity timeout
	RequestTimeout    time.Duration
	PipelineDepth     int
	OutboundQueueSize int
	MaxDownloadRate   int // bytes/sec; 0 = unlimited
}

func DefaultConfig() *Config {
	return &Config{
		DialTimeout:       10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: 2 * time.Minute,
		RequestTimeout:    30 * time.Second,
		PipelineDepth:     8,
		OutboundQueueSize: 64,
	}
}

// Callbacks wires a Session into the shared piece map and coordinator
// without either depending on the other's concrete type.
type Callbacks struct {
	// NextRequests returns up to want blocks to request, given the peer's
	// advertised bitfield. Implemented by piecemap.Map.NextRequests.
	NextRequests func(peer netip.AddrPort, peerHave bitfield.Bitfield, want int) []BlockRequest
	// OnBlock delivers a received Piece payload to the piece map.
	OnBlock func(peer netip.AddrPort, pieceIndex, begin uint32, data []byte) error
	// ReleaseBlocks returns every block this peer owns to Missing in the
	// piece map, without tearing the session down. Called on Choke, since a
	// choked peer will not honor any pipelined Request we already sent.
	ReleaseBlocks func(peer netip.AddrPort)
	// OnDisconnect notifies the coordinator this session has ended, so it
	// can release any blocks this peer owned and schedule a reconnect.
	OnDisconnect func(peer netip.AddrPort)
	// HasWantedPiece reports whether the local download still wants at
	// least one piece the given bitfield advertises; drives the
	// edge-triggered Interested/NotInterested transition.
	HasWantedPiece func(peerHave bitfield.Bitfield) bool
}

// BlockRequest mirrors piecemap.BlockRequest; duplicated here so this
// package doesn't import piecemap (piecemap doesn't need to know about
// peer sessions either).
type BlockRequest struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
}

// Session is one peer wire-protocol connection.
type Session struct {
	id   uuid.UUID
	log  *slog.Logger
	cfg  *Config
	cb   Callbacks
	conn net.Conn
	addr netip.AddrPort

	phase atomic.Uint32
	state atomic.Uint32

	lastActivity atomic.Int64
	peerBitfield atomic.Pointer[bitfield.Bitfield]

	outbox    chan *protocol.Message
	inflight  map[blockKey]time.Time
	inflightM sync.Mutex

	limiter *rate.Limiter
	history *messageHistoryBuffer

	stats     Stats
	closeOnce sync.Once
	cancel    context.CancelFunc
}

type blockKey struct {
	piece uint32
	begin uint32
}

var (
	ErrMalformedMessage = errors.New("peer: malformed message")
	ErrUnknownMessageID = errors.New("peer: unknown message id")
)

// Dial opens a TCP connection to addr, performs the BitTorrent handshake,
// and returns a Session parked in Ready phase awaiting Run.
func Dial(
	ctx context.Context,
	addr netip.AddrPort,
	infoHash [sha1.Size]byte,
	clientID [sha1.Size]byte,
	numPieces int,
	cfg *Config,
	cb Callbacks,
	log *slog.Logger,
) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "peer", "addr", addr.String())

	s := &Session{
		id:       uuid.New(),
		log:      log,
		cfg:      cfg,
		cb:       cb,
		addr:     addr,
		outbox:   make(chan *protocol.Message, cfg.OutboundQueueSize),
		inflight: make(map[blockKey]time.Time),
		history:  newMessageHistoryBuffer(128),
	}
	s.log = s.log.With("session", s.id.String())
	if cfg.MaxDownloadRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxDownloadRate), cfg.MaxDownloadRate)
	}
	s.setPhase(Dialing)
	s.setState(maskPeerChoking, true)

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial: %w", err)
	}
	s.conn = conn

	s.setPhase(Handshaking)
	hs := protocol.NewHandshake(infoHash, clientID)
	if _, err := hs.Exchange(conn, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: handshake: %w", err)
	}

	bf := bitfield.New(numPieces)
	s.peerBitfield.Store(&bf)
	s.setPhase(Ready)
	s.touch()
	s.stats.ConnectedAt = time.Now()

	return s, nil
}

// Run drives the session's read loop, write loop, keepalive/timeout ticker,
// and request-pipeline filler until ctx is canceled or an unrecoverable
// protocol/transport error occurs. It always returns after closing the
// connection and invoking OnDisconnect exactly once.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.timeoutLoop(gctx) })
	g.Go(func() error { return s.rateLoop(gctx) })

	err := g.Wait()
	if s.cb.OnDisconnect != nil {
		s.cb.OnDisconnect(s.addr)
	}
	return err
}

// Close idempotently tears the session down, releasing the socket and
// outbox. Safe to call multiple times and from multiple goroutines.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setPhase(Closed)
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		close(s.outbox)
		s.stats.DisconnectedAt = time.Now()
	})
}

func (s *Session) Addr() netip.AddrPort { return s.addr }
func (s *Session) Phase() Phase         { return Phase(s.phase.Load()) }

func (s *Session) setPhase(p Phase) { s.phase.Store(uint32(p)) }

func (s *Session) getState(mask uint32) bool { return s.state.Load()&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := s.state.Load()
		next := old
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if s.state.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Session) idleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("peer: read: %w", err)
		}
		s.touch()
		s.stats.MessagesReceived.Add(1)

		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := protocol.WriteMessage(s.conn, msg); err != nil {
				return fmt.Errorf("peer: write: %w", err)
			}
			s.stats.MessagesSent.Add(1)
			s.recordSent(msg)
		}
	}
}

// timeoutLoop sends keepalives when idle and drops the connection if no
// frame has arrived within KeepAliveInterval; it also periodically tries to
// top up the request pipeline now that the peer map may have more work.
func (s *Session) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.idleSince() >= s.cfg.KeepAliveInterval {
				// 2 minutes with no frame received: the connection is dead.
				return errors.New("peer: inactivity timeout")
			}

			sinceActivity := s.idleSince()
			if sinceActivity >= s.cfg.KeepAliveInterval/2 {
				s.enqueue(nil) // keepalive
			}

			s.fillPipeline()
		}
	}
}

// rateLoop recomputes an exponential-moving-average download rate once a
// second so stats reflect recent throughput rather than a lifetime average.
func (s *Session) rateLoop(ctx context.Context) error {
	const alpha = 0.2

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastDownloaded uint64
	var ema float64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur := s.stats.Downloaded.Load()
			instant := float64(cur - lastDownloaded)
			lastDownloaded = cur

			ema = alpha*instant + (1-alpha)*ema
			s.stats.DownloadRate.Store(uint64(ema))
		}
	}
}

func (s *Session) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}
	if err := msg.ValidatePayloadSize(); err != nil {
		return err
	}

	s.recordReceived(msg)

	switch msg.ID {
	case protocol.Choke:
		s.setState(maskPeerChoking, true)
		s.releaseInflight()
		if s.cb.ReleaseBlocks != nil {
			s.cb.ReleaseBlocks(s.addr)
		}

	case protocol.Unchoke:
		s.setState(maskPeerChoking, false)
		s.fillPipeline()

	case protocol.Interested:
		s.setState(maskPeerInterested, true)

	case protocol.NotInterested:
		s.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		s.peerBitfield.Store(&bf)
		s.updateInterest()
		s.fillPipeline()

	case protocol.Have:
		idx, ok := msg.ParseHave()
		if !ok {
			return ErrMalformedMessage
		}
		cur := *s.peerBitfield.Load()
		updated := cur.Clone()
		updated.Set(int(idx))
		s.peerBitfield.Store(&updated)
		s.updateInterest()
		s.fillPipeline()

	case protocol.Piece:
		idx, begin, block, ok := msg.ParsePiece()
		if !ok {
			return ErrMalformedMessage
		}
		s.clearInflight(idx, begin)
		s.stats.Downloaded.Add(uint64(len(block)))
		s.stats.BlocksReceived.Add(1)
		if s.limiter != nil {
			_ = s.limiter.WaitN(context.Background(), min(len(block), s.limiter.Burst()))
		}
		if s.cb.OnBlock != nil {
			if err := s.cb.OnBlock(s.addr, idx, begin, block); err != nil {
				s.log.Warn("block rejected", "piece", idx, "begin", begin, "error", err)
			}
		}
		s.fillPipeline()

	case protocol.Request, protocol.Cancel:
		// This client never seeds; requests from peers are acknowledged at
		// the protocol level (counted) but never served.

	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageID, msg.ID)
	}

	return nil
}

// updateInterest applies the edge-triggered Interested/NotInterested rule:
// a message is only sent when the desired state differs from what was last
// signaled.
func (s *Session) updateInterest() {
	if s.cb.HasWantedPiece == nil {
		return
	}
	bf := *s.peerBitfield.Load()
	want := s.cb.HasWantedPiece(bf)
	was := s.getState(maskAmInterested)

	if want && !was {
		s.setState(maskAmInterested, true)
		s.enqueue(protocol.MessageInterested())
	} else if !want && was {
		s.setState(maskAmInterested, false)
		s.enqueue(protocol.MessageNotInterested())
	}
}

// fillPipeline tops up outstanding requests to PipelineDepth, provided the
// peer isn't choking us.
func (s *Session) fillPipeline() {
	if s.getState(maskPeerChoking) || s.cb.NextRequests == nil {
		return
	}

	s.inflightM.Lock()
	inUse := len(s.inflight)
	s.inflightM.Unlock()

	want := s.cfg.PipelineDepth - inUse
	if want <= 0 {
		return
	}

	bf := *s.peerBitfield.Load()
	reqs := s.cb.NextRequests(s.addr, bf, want)

	s.inflightM.Lock()
	for _, r := range reqs {
		s.inflight[blockKey{r.PieceIndex, r.Begin}] = time.Now()
	}
	s.inflightM.Unlock()

	for _, r := range reqs {
		s.stats.RequestsSent.Add(1)
		s.enqueue(protocol.MessageRequest(r.PieceIndex, r.Begin, r.Length))
	}
}

func (s *Session) clearInflight(piece, begin uint32) {
	s.inflightM.Lock()
	delete(s.inflight, blockKey{piece, begin})
	s.inflightM.Unlock()
}

func (s *Session) releaseInflight() {
	s.inflightM.Lock()
	s.inflight = make(map[blockKey]time.Time)
	s.inflightM.Unlock()
}

func (s *Session) enqueue(msg *protocol.Message) {
	select {
	case s.outbox <- msg:
	default:
		s.log.Warn("outbox full, dropping message")
	}
}

func (s *Session) recordSent(msg *protocol.Message) {
	s.history.Add(eventFor(msg, EventSent))
}

func (s *Session) recordReceived(msg *protocol.Message) {
	s.history.Add(eventFor(msg, EventReceived))
}

func eventFor(msg *protocol.Message, dir string) *Event {
	if protocol.IsKeepAlive(msg) {
		return &Event{Timestamp: time.Now(), Direction: dir, MessageType: "KeepAlive"}
	}
	ev := &Event{Timestamp: time.Now(), Direction: dir, MessageType: msg.ID.String(), PayloadSize: len(msg.Payload)}
	if idx, ok := msg.ParseHave(); ok {
		ev.PieceIndex = &idx
	} else if pi, begin, _, ok := msg.ParsePiece(); ok {
		ev.PieceIndex = &pi
		ev.BlockOffset = &begin
	} else if pi, begin, _, ok := msg.ParseRequest(); ok {
		ev.PieceIndex = &pi
		ev.BlockOffset = &begin
	}
	return ev
}

// History returns up to n of the most recent wire-message trace events,
// oldest first.
func (s *Session) History(n int) []*Event {
	events, err := s.history.Get(n)
	if err != nil {
		return nil
	}
	return events
}
