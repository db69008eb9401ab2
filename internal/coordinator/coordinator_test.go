package coordinator

import (
	"bytes"
	"crypto/sha1"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/burrow/internal/config"
	"github.com/prxssh/burrow/internal/metainfo"
	"github.com/prxssh/burrow/internal/peer"
	"github.com/prxssh/burrow/internal/piecemap"
	"github.com/prxssh/burrow/internal/syncutil"
)

func mustAddr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("ParseAddrPort(%q): %v", s, err)
	}
	return ap
}

// newTestCoordinator builds a Coordinator with an in-memory piece map and no
// writer/tracker, enough to exercise admission and announce-param logic
// without touching disk or the network.
func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	content := bytes.Repeat([]byte{0xAB}, 40)
	hash := sha1.Sum(content)

	pm, err := piecemap.New([][sha1.Size]byte{hash}, 40, 40, time.Second, nil, func(uint32, []byte) {})
	if err != nil {
		t.Fatalf("piecemap.New: %v", err)
	}

	cfg := &config.Config{
		MaxPeers:             2,
		ListenPort:           6881,
		NumWant:              50,
		ReconnectBackoffBase: 10 * time.Millisecond,
		ReconnectBackoffMax:  100 * time.Millisecond,
	}

	return &Coordinator{
		cfg:      cfg,
		mi:       &metainfo.Metainfo{Info: &metainfo.Info{Name: "test"}},
		pieceMap: pm,
		sessions: syncutil.New[netip.AddrPort, *peer.Session](),
		backoff:  make(map[netip.AddrPort]*backoffState),
	}
}

func TestBuildAnnounceParams_ReportsRemainingBytes(t *testing.T) {
	c := newTestCoordinator(t)

	params := c.buildAnnounceParams()
	if params.Left == 0 {
		t.Fatalf("want nonzero Left before any blocks verified")
	}
	if params.Port != c.cfg.ListenPort {
		t.Fatalf("Port = %d, want %d", params.Port, c.cfg.ListenPort)
	}
	if params.NumWant != c.cfg.NumWant {
		t.Fatalf("NumWant = %d, want %d", params.NumWant, c.cfg.NumWant)
	}
}

func TestScheduleAndResetBackoff(t *testing.T) {
	c := newTestCoordinator(t)
	addr := mustAddr(t, "10.0.0.1:6881")

	c.scheduleReconnect(addr)

	c.backoffMu.Lock()
	_, waiting := c.backoff[addr]
	c.backoffMu.Unlock()
	if !waiting {
		t.Fatalf("want backoff entry present")
	}

	c.resetBackoff(addr)

	c.backoffMu.Lock()
	_, stillThere := c.backoff[addr]
	c.backoffMu.Unlock()
	if stillThere {
		t.Fatalf("want backoff entry cleared after resetBackoff")
	}
}

func TestNextBackoff_GrowsAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	max := 50 * time.Millisecond

	for attempt := 1; attempt <= 8; attempt++ {
		d := nextBackoff(attempt, base, max)
		if d < 0 {
			t.Fatalf("attempt %d: negative backoff %v", attempt, d)
		}
		if d > max {
			t.Fatalf("attempt %d: backoff %v exceeds max %v", attempt, d, max)
		}
	}
}

func TestAdmit_RejectsDuplicateAndOverCapacity(t *testing.T) {
	c := newTestCoordinator(t)
	c.cfg.MaxPeers = 1
	addr := mustAddr(t, "10.0.0.2:6881")

	if !c.admit(addr) {
		t.Fatalf("want first admit to succeed")
	}

	c.sessions.Put(addr, &peer.Session{})
	if c.admit(addr) {
		t.Fatalf("want duplicate address rejected")
	}

	other := mustAddr(t, "10.0.0.3:6881")
	if c.admit(other) {
		t.Fatalf("want admission rejected once MaxPeers is reached")
	}
}

func TestAdmit_RespectsPendingBackoff(t *testing.T) {
	c := newTestCoordinator(t)
	addr := mustAddr(t, "10.0.0.4:6881")

	c.backoffMu.Lock()
	c.backoff[addr] = &backoffState{attempts: 1, nextAttempt: time.Now().Add(time.Hour)}
	c.backoffMu.Unlock()

	if c.admit(addr) {
		t.Fatalf("want admission rejected while backoff is pending")
	}
}

func TestNextBackoff_ClampsNonPositiveAttempts(t *testing.T) {
	base := 10 * time.Millisecond
	max := time.Second

	d := nextBackoff(0, base, max)
	if d < 0 || d > max {
		t.Fatalf("attempt=0: backoff %v out of bounds", d)
	}
}
