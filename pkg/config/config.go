// Package config holds this process's resolved runtime configuration as a
// single atomically-swappable value, readable from any goroutine without
// its own locking.
package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config defines behavior, timeouts, and resource limits for a single
// torrent session.
type Config struct {
	// DownloadDir is where downloaded (or seeded) content lives.
	DownloadDir string

	// ListenPort is the TCP port this client listens on for incoming peer
	// connections.
	ListenPort uint16

	// NumWant is the number of peers requested from the tracker per
	// announce.
	NumWant uint32

	// MaxUploadRate and MaxDownloadRate are informative caps in
	// bytes/second; 0 means unlimited. Neither is enforced against actual
	// I/O (see SPEC_FULL.md Open Questions). MaxUploadRate is surfaced via a
	// rate.Limiter whose remaining tokens appear in periodic status logs;
	// MaxDownloadRate is stored but not read anywhere.
	MaxUploadRate   int64
	MaxDownloadRate int64

	// ClientIDPrefix is the 8-byte prefix of the locally generated peer
	// id, e.g. "-PC0001-".
	ClientIDPrefix string

	// EnableIPv6 records whether IPv6 peers are wanted. No connection code
	// reads it, so it does not restrict which peer addresses are dialed.
	EnableIPv6 bool

	// MaxPeers is the maximum number of concurrent peer connections.
	MaxPeers int

	// MaxInflightRequestsPerPeer caps outstanding block requests on a
	// single connection.
	MaxInflightRequestsPerPeer int

	// RequestTimeout is how long an outstanding request waits before the
	// timeout sweeper reclaims it.
	RequestTimeout time.Duration

	// ReadTimeout/WriteTimeout bound a single socket operation.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// DialTimeout bounds establishing a new outbound connection.
	DialTimeout time.Duration

	// KeepAliveInterval is how often a send-idle connection emits a
	// zero-length keep-alive frame.
	KeepAliveInterval time.Duration

	// RequestQueueFillInterval, PeerConnectInterval, TimeoutSweepInterval,
	// and AnnounceInterval drive the coordinator's background tasks.
	RequestQueueFillInterval time.Duration
	PeerConnectInterval      time.Duration
	TimeoutSweepInterval     time.Duration
	AnnounceInterval         time.Duration

	// PeerOutboundQueueBacklog bounds a peer session's outbound message
	// buffer.
	PeerOutboundQueueBacklog int

	// Verbose raises the log level to debug.
	Verbose bool
}

// defaultConfig returns the baseline configuration; CLI flags override
// individual fields via Update.
func defaultConfig() Config {
	return Config{
		DownloadDir:                defaultDownloadDir(),
		ListenPort:                 6881,
		NumWant:                    50,
		MaxUploadRate:              0,
		MaxDownloadRate:            0,
		ClientIDPrefix:             "-PC0001-",
		EnableIPv6:                 hasIPv6(),
		MaxPeers:                   50,
		MaxInflightRequestsPerPeer: 5,
		RequestTimeout:             30 * time.Second,
		ReadTimeout:                45 * time.Second,
		WriteTimeout:               45 * time.Second,
		DialTimeout:                30 * time.Second,
		KeepAliveInterval:          120 * time.Second,
		RequestQueueFillInterval:   5 * time.Second,
		PeerConnectInterval:        30 * time.Second,
		TimeoutSweepInterval:       10 * time.Second,
		AnnounceInterval:           1800 * time.Second,
		PeerOutboundQueueBacklog:   25,
	}
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP == nil || ipNet.IP.To4() != nil {
				continue
			}
			if ipNet.IP.IsGlobalUnicast() && !ipNet.IP.IsLinkLocalUnicast() {
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

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "pcswarm")
	default:
		return filepath.Join(home, ".local", "share", "pcswarm", "downloads")
	}
}
