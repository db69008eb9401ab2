package protocol

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8
)

// Reserved-byte extension bits, per the de facto conventions used by
// mainline and most modern clients (BEP 5 and BEP 10). This implementation
// never sets them on outbound handshakes, but exposes them so a caller can
// at least log what a remote peer claims to support.
const (
	reservedDHTByte        = 7
	reservedDHTBit    byte = 0x01

	reservedExtByte        = 5
	reservedExtBit    byte = 0x10
)

// handshakeTail is the byte count following pstr: reserved + info_hash +
// peer_id.
const handshakeTail = reservedN + sha1.Size + sha1.Size

// Handshake represents the initial BitTorrent wire handshake.
//
// Wire format (in bytes):
//
//	<pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>
//
// Example:
//
//	19 "BitTorrent protocol" <8 zero bytes> <info_hash> <peer_id>
//
// The handshake is always the first message sent upon connecting to a peer. It
// identifies the torrent being downloaded (via info_hash) and the local peer.
type Handshake struct {
	Pstr     string          // Protocol identifier, usually "BitTorrent protocol"
	Reserved [reservedN]byte // Reserved bytes used for feature flags (DHT, Fast, Extension, etc.)
	InfoHash [sha1.Size]byte // SHA1 hash of the torrent's "info" dictionary.
	PeerID   [sha1.Size]byte // Unique 20-byte peer identifier.
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a canonical BitTorrent handshake using the given
// torrent info hash and local peer ID.
//
// The returned handshake uses the standard protocol identifier "BitTorrent
// protocol" and zeroed reserved bytes.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// SupportsDHT reports whether the peer advertised the DHT extension bit in
// its reserved bytes (BEP 5).
func (h *Handshake) SupportsDHT() bool {
	return h.Reserved[reservedDHTByte]&reservedDHTBit != 0
}

// SupportsExtensionProtocol reports whether the peer advertised the
// extension-protocol bit in its reserved bytes (BEP 10).
func (h *Handshake) SupportsExtensionProtocol() bool {
	return h.Reserved[reservedExtByte]&reservedExtBit != 0
}

// MarshalBinary encodes the handshake into its wire representation.
//
// The result can be written directly to a network connection or buffer.
// Returns ErrBadPstrlen if Pstr is empty or longer than 255 bytes.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if err := validatePstrlen(len(h.Pstr)); err != nil {
		return nil, err
	}

	buf := make([]byte, 1+len(h.Pstr)+handshakeTail)
	buf[0] = byte(len(h.Pstr))

	off := 1
	off += copy(buf[off:], h.Pstr)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

func validatePstrlen(n int) error {
	if n == 0 || n > 255 {
		return ErrBadPstrlen
	}
	return nil
}

// UnmarshalBinary parses a handshake from its wire format.
//
// It validates the protocol string length and ensures enough bytes are present
// for reserved, info_hash, and peer_id fields.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if err := validatePstrlen(pstrlen); err != nil {
		return err
	}
	if len(b) < 1+pstrlen+handshakeTail {
		return ErrShortHandshake
	}

	body := b[1+pstrlen:]
	h.Pstr = string(b[1 : 1+pstrlen])
	copy(h.Reserved[:], body[:reservedN])
	copy(h.InfoHash[:], body[reservedN:reservedN+sha1.Size])
	copy(h.PeerID[:], body[reservedN+sha1.Size:])

	return nil
}

// WriteTo implements io.WriterTo.
//
// It writes the binary representation of the handshake to w.
// It is equivalent to calling w.Write(h.MarshalBinary()).
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom.
//
// It reads and decodes a complete handshake from r.
// This method blocks until the full handshake is read or an error occurs.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return 0, translateShortRead(err)
	}

	pstrlen := int(lenByte[0])
	if err := validatePstrlen(pstrlen); err != nil {
		return 1, err
	}

	rest := make([]byte, pstrlen+handshakeTail)
	if _, err := io.ReadFull(r, rest); err != nil {
		return int64(1 + len(rest)), translateShortRead(err)
	}

	full := append(lenByte[:], rest...)
	if err := h.UnmarshalBinary(full); err != nil {
		return int64(len(full)), err
	}
	return int64(len(full)), nil
}

// translateShortRead maps an io.ReadFull EOF-family error to
// ErrShortHandshake, which callers can check for unambiguously regardless of
// how much of the frame had already arrived.
func translateShortRead(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortHandshake
	}
	return err
}

// ReadHandshake reads a full handshake from r and returns it.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange performs the outbound handshake exchange.
//
// It writes the local handshake to rw, reads the remote handshake, and
// (optionally) verifies that both sides share the same info hash.
//
// Returns the remote peer's handshake or an error if validation fails.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	var peer Handshake
	if _, err := peer.ReadFrom(rw); err != nil {
		return Handshake{}, err
	}
	if err := peer.validateAgainst(h, verifyInfoHash); err != nil {
		return Handshake{}, err
	}

	return peer, nil
}

// validateAgainst checks that peer (the remote side's handshake) is
// protocol-compatible with local, optionally also requiring a matching info
// hash.
func (peer Handshake) validateAgainst(local Handshake, verifyInfoHash bool) error {
	if peer.Pstr != btProtocol {
		return ErrProtocolMismatch
	}
	if verifyInfoHash && peer.InfoHash != local.InfoHash {
		return ErrInfoHashMismatch
	}
	return nil
}
