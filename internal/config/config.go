// Package config defines the root configuration for a download, built once
// at startup and threaded explicitly into every component that needs it.
// There is no global/singleton instance; each subsystem that needs timing or
// resource knobs takes its own narrow Config struct (see peer.Config,
// tracker.Config, writer.Config), and this package's Config is where
// defaults for all of them are assembled together for the CLI.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// DownloadDir is the directory a download's files are written under.
	DownloadDir string

	// ClientID is this client's 20-byte peer id, sent in every handshake
	// and tracker announce.
	ClientID [sha1.Size]byte

	// ListenPort is the TCP port advertised to trackers for incoming peer
	// connections. This client does not currently accept inbound
	// connections (leech-only), but the port is still reported so
	// trackers that require it don't reject the announce.
	ListenPort uint16

	// MaxPeers is the maximum number of concurrent peer connections.
	MaxPeers int
	// DialWorkers bounds how many outbound dials run concurrently.
	DialWorkers int

	// NumWant is the number of peers requested per tracker announce.
	NumWant uint32

	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	RequestTimeout    time.Duration
	PipelineDepth     int

	// MaxDownloadRate limits each peer session's download speed in
	// bytes/second; every session gets its own limiter. 0 means unlimited.
	MaxDownloadRate int

	// DiskQueueSize bounds how many verified pieces can be buffered
	// awaiting a disk write before Submit blocks.
	DiskQueueSize int

	// ReconnectBackoffBase/Max govern the coordinator's per-peer
	// reconnect backoff.
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration

	Tracker TrackerConfig

	MetricsEnabled  bool
	MetricsBindAddr string

	EnableIPv6 bool
}

// TrackerConfig mirrors tracker.Config; duplicated here (rather than
// imported) so this package has no dependency on internal/tracker, keeping
// the dependency graph a tree rooted at cmd/burrow.
type TrackerConfig struct {
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
}

// Default returns sensible defaults for most use cases. Callers (cmd/burrow)
// mutate the returned value directly to apply CLI flag overrides.
func Default() (*Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return nil, err
	}

	return &Config{
		DownloadDir:          defaultDownloadDir(),
		ClientID:             clientID,
		ListenPort:           6881,
		MaxPeers:             50,
		DialWorkers:          10,
		NumWant:              50,
		DialTimeout:          10 * time.Second,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         10 * time.Second,
		KeepAliveInterval:    2 * time.Minute,
		RequestTimeout:       30 * time.Second,
		PipelineDepth:        8,
		MaxDownloadRate:      0,
		DiskQueueSize:        64,
		ReconnectBackoffBase: 15 * time.Second,
		ReconnectBackoffMax:  5 * time.Minute,
		Tracker: TrackerConfig{
			AnnounceInterval:    2 * time.Minute,
			MinAnnounceInterval: 0,
			MaxAnnounceBackoff:  5 * time.Minute,
		},
		MetricsEnabled:  false,
		MetricsBindAddr: ":9090",
		EnableIPv6:      hasIPv6(),
	}, nil
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	return filepath.Join(home, ".local", "share", "burrow", "downloads")
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-BW0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
