package swarm

import (
	"net/netip"

	"github.com/pcswarm/pcswarm/internal/tracker"
	"github.com/pcswarm/pcswarm/pkg/config"
)

// announceParams builds the query parameters for the next tracker
// announce, attaching "started" exactly once at startup and "completed"
// once immediately after onComplete runs.
func (c *Coordinator) announceParams() *tracker.AnnounceParams {
	event := tracker.EventNone
	if c.startedSent.CompareAndSwap(false, true) {
		event = tracker.EventStarted
	} else if c.completedPending.CompareAndSwap(true, false) {
		event = tracker.EventCompleted
	}

	downloaded := uint64(c.mgr.Downloaded())
	left := uint64(c.meta.Size()) - downloaded

	return &tracker.AnnounceParams{
		InfoHash:   c.meta.InfoHash,
		PeerID:     c.clientID,
		Port:       c.listenPort,
		Uploaded:   uint64(c.mgr.Uploaded()),
		Downloaded: downloaded,
		Left:       left,
		NumWant:    config.Load().NumWant,
		Event:      event,
	}
}

// onAnnounceSuccess records the tracker's latest peer list and immediately
// attempts to connect to any address not already connected.
func (c *Coordinator) onAnnounceSuccess(addrs []netip.AddrPort) {
	c.peersMu.Lock()
	c.knownPeers = addrs
	c.peersMu.Unlock()

	c.connectKnownPeers()
}
