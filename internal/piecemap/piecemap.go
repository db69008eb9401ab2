// Package piecemap tracks which pieces and blocks of a torrent have been
// requested, received, and verified. It implements the sequential-only
// selection policy: the next block handed out is always the lowest-indexed
// outstanding block of the lowest-indexed incomplete piece a peer has.
//
// A Map is safe for concurrent use; all exported methods take an internal
// lock. Callers (peer sessions, the coordinator) never mutate piece state
// directly.
package piecemap

import (
	"crypto/sha1"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/burrow/internal/bitfield"
)

// MaxBlockLength is the largest block size this implementation will ever
// request or accept, per BEP 3 convention.
const MaxBlockLength = 16 * 1024

// State is a block's position in the Missing -> InFlight -> Complete
// lifecycle. A block moves backward to Missing when its request times out,
// when its owning peer is released (on choke or disconnect), or when its
// piece fails hash verification; a verified piece's blocks never regress.
type State uint8

const (
	Missing State = iota
	InFlight
	Complete
)

// BlockRequest identifies a block to request from a peer.
type BlockRequest struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
}

type block struct {
	state       State
	owner       netip.AddrPort
	hasOwner    bool
	requestedAt time.Time
	data        []byte // populated once State == Complete, cleared after the piece is flushed
}

type piece struct {
	index      uint32
	length     uint32
	hash       [sha1.Size]byte
	blocks     []*block
	doneBlocks uint32
	verified   bool
}

func (p *piece) complete() bool { return p.doneBlocks == uint32(len(p.blocks)) }

// Map is the shared piece/block accounting structure for one torrent
// download. Exactly one Map exists per download; every peer session and the
// coordinator share it.
type Map struct {
	mu sync.Mutex

	logger *slog.Logger

	pieces    []*piece
	have      bitfield.Bitfield
	nextPiece uint32 // cursor for sequential selection

	remainingBlocks uint64
	blockTimeout    time.Duration

	onPieceVerified func(index uint32, data []byte)
}

var (
	ErrPieceIndexOutOfRange = errors.New("piecemap: piece index out of range")
	ErrBlockOutOfRange      = errors.New("piecemap: block offset out of range")
	ErrUnexpectedBlockSize  = errors.New("piecemap: unexpected block size")
)

// New builds a Map for a torrent whose pieces hash to pieceHashes, each
// pieceLength bytes long except possibly the last, covering totalSize bytes
// in total. onPieceVerified is invoked synchronously, but after the Map's
// lock has been released, whenever a piece's SHA-1 matches; it may safely
// call back into the Map (e.g. IsComplete). Callers should still hand the
// bytes off quickly (e.g. to a buffered channel) rather than block on disk
// I/O there.
func New(
	pieceHashes [][sha1.Size]byte,
	pieceLength uint32,
	totalSize uint64,
	blockTimeout time.Duration,
	logger *slog.Logger,
	onPieceVerified func(index uint32, data []byte),
) (*Map, error) {
	n := len(pieceHashes)
	if n == 0 {
		return nil, errors.New("piecemap: no pieces")
	}

	pieces := make([]*piece, n)
	var remaining uint64

	for i := 0; i < n; i++ {
		length, ok := PieceLengthAt(uint32(i), totalSize, pieceLength)
		if !ok {
			return nil, ErrPieceIndexOutOfRange
		}

		blockCount, _ := BlocksInPiece(length)
		blocks := make([]*block, blockCount)
		for j := range blocks {
			blocks[j] = &block{state: Missing}
		}

		pieces[i] = &piece{
			index:  uint32(i),
			length: length,
			hash:   pieceHashes[i],
			blocks: blocks,
		}
		remaining += uint64(blockCount)
	}

	return &Map{
		logger:          logger,
		pieces:          pieces,
		have:            bitfield.New(n),
		remainingBlocks: remaining,
		blockTimeout:    blockTimeout,
		onPieceVerified: onPieceVerified,
	}, nil
}

// NumPieces returns the total piece count.
func (m *Map) NumPieces() uint32 {
	return uint32(len(m.pieces))
}

// PieceLength returns the byte length of the piece at index.
func (m *Map) PieceLength(index uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(index) >= len(m.pieces) {
		return 0, ErrPieceIndexOutOfRange
	}
	return m.pieces[index].length, nil
}

// Bitfield returns a snapshot copy of the local have-bitfield.
func (m *Map) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.have.Clone()
}

// HasPiece reports whether index has been verified and stored locally.
func (m *Map) HasPiece(index uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.have.Has(int(index))
}

// IsComplete reports whether every piece has been verified.
func (m *Map) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.have.Count() == len(m.pieces)
}

// NextRequests returns up to want blocks to request from a peer advertising
// peerHave, advancing the shared sequential cursor. Blocks are marked
// InFlight and owned by peer; the caller is responsible for sending the
// resulting Request messages.
func (m *Map) NextRequests(peer netip.AddrPort, peerHave bitfield.Bitfield, want int) []BlockRequest {
	if want <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BlockRequest, 0, want)

	for m.nextPiece < uint32(len(m.pieces)) && m.pieces[m.nextPiece].verified {
		m.nextPiece++
	}

	pi := m.nextPiece
	for len(out) < want {
		for pi < uint32(len(m.pieces)) && m.pieces[pi].verified {
			pi++
		}
		if pi >= uint32(len(m.pieces)) {
			break
		}

		p := m.pieces[pi]
		pi++
		if !peerHave.Has(int(p.index)) {
			// This peer can't serve this piece; try the next one.
			continue
		}

		for bi, b := range p.blocks {
			if len(out) >= want {
				break
			}
			if b.state != Missing {
				continue
			}

			begin, length, ok := BlockBounds(p.length, uint32(bi))
			if !ok {
				continue
			}

			b.state = InFlight
			b.owner = peer
			b.hasOwner = true
			b.requestedAt = time.Now()
			m.remainingBlocks--

			out = append(out, BlockRequest{PieceIndex: p.index, Begin: begin, Length: length})
		}
	}

	return out
}

// OnBlockReceived records a block payload for pieceIndex at byte offset
// begin. If it completes the piece, the piece is hashed; a match marks the
// piece Complete, sets its have-bit, and invokes onPieceVerified. A mismatch
// resets every block in the piece back to Missing so it is requested again.
func (m *Map) OnBlockReceived(peer netip.AddrPort, pieceIndex, begin uint32, data []byte) error {
	m.mu.Lock()

	if int(pieceIndex) >= len(m.pieces) {
		m.mu.Unlock()
		return ErrPieceIndexOutOfRange
	}
	p := m.pieces[pieceIndex]
	if p.verified {
		m.mu.Unlock()
		return nil // late/duplicate arrival for an already-verified piece
	}

	blockIdx, ok := BlockIndexForBegin(begin, p.length)
	if !ok || int(blockIdx) >= len(p.blocks) {
		m.mu.Unlock()
		return ErrBlockOutOfRange
	}
	wantBegin, wantLength, _ := BlockBounds(p.length, blockIdx)
	if begin != wantBegin || uint32(len(data)) != wantLength {
		m.mu.Unlock()
		return ErrUnexpectedBlockSize
	}

	b := p.blocks[blockIdx]
	if b.state == Complete {
		m.mu.Unlock()
		return nil // duplicate
	}
	if b.state == Missing {
		// Unsolicited block: accept it if it fills a block we still need
		// (open question decision: accept-if-missing, discard otherwise).
		m.remainingBlocks--
	}

	b.state = Complete
	b.data = append([]byte(nil), data...)
	b.hasOwner = false
	p.doneBlocks++

	if !p.complete() {
		m.mu.Unlock()
		return nil
	}

	full := make([]byte, 0, p.length)
	for _, blk := range p.blocks {
		full = append(full, blk.data...)
	}

	if sha1.Sum(full) != p.hash {
		for _, blk := range p.blocks {
			if blk.state == Complete {
				m.remainingBlocks++
			}
			blk.state = Missing
			blk.data = nil
			blk.hasOwner = false
		}
		p.doneBlocks = 0
		logger := m.logger
		m.mu.Unlock()
		if logger != nil {
			logger.Warn("piece failed verification", "piece", pieceIndex)
		}
		return nil
	}

	p.verified = true
	for _, blk := range p.blocks {
		blk.data = nil
	}
	m.have.Set(int(pieceIndex))
	if m.nextPiece == pieceIndex {
		m.nextPiece++
	}

	// Unlock before invoking the callback: onPieceVerified (the
	// coordinator) calls back into this Map (e.g. IsComplete), and
	// sync.Mutex isn't reentrant.
	cb := m.onPieceVerified
	m.mu.Unlock()

	if cb != nil {
		cb(pieceIndex, full)
	}
	return nil
}

// MarkVerified marks a piece as already complete without going through
// OnBlockReceived, for pieces the resume scan found intact on disk at
// startup.
func (m *Map) MarkVerified(index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(index) >= len(m.pieces) {
		return ErrPieceIndexOutOfRange
	}
	p := m.pieces[index]
	if p.verified {
		return nil
	}

	for _, b := range p.blocks {
		if b.state != Complete {
			m.remainingBlocks--
		}
		b.state = Complete
		b.data = nil
	}
	p.doneBlocks = uint32(len(p.blocks))
	p.verified = true
	m.have.Set(int(index))
	if m.nextPiece == index {
		m.nextPiece++
	}

	return nil
}

// ReapTimeouts releases every InFlight block whose request is older than the
// Map's blockTimeout, returning them to Missing so they are requested again.
// It is idempotent: calling it repeatedly with no newly-expired blocks is a
// no-op.
func (m *Map) ReapTimeouts(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for _, p := range m.pieces {
		if p.verified {
			continue
		}
		for _, b := range p.blocks {
			if b.state == InFlight && now.Sub(b.requestedAt) > m.blockTimeout {
				b.state = Missing
				b.hasOwner = false
				m.remainingBlocks++
				released++
			}
		}
		if released > 0 && p.index < m.nextPiece {
			m.nextPiece = p.index
		}
	}
	return released
}

// ReleasePeer returns every block currently owned by peer to Missing. Called
// when a peer session ends (disconnect, choke, timeout) so its outstanding
// requests don't stall the download.
func (m *Map) ReleasePeer(peer netip.AddrPort) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for _, p := range m.pieces {
		if p.verified {
			continue
		}
		for _, b := range p.blocks {
			if b.state == InFlight && b.hasOwner && b.owner == peer {
				b.state = Missing
				b.hasOwner = false
				m.remainingBlocks++
				released++
			}
		}
		if released > 0 && p.index < m.nextPiece {
			m.nextPiece = p.index
		}
	}
	return released
}

// RemainingBlocks returns the number of blocks in the Missing state. Blocks
// that are in flight, or received but not yet verified, are not counted.
// Exposed for progress reporting.
func (m *Map) RemainingBlocks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remainingBlocks
}
