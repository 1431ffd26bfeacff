package swarm

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/pcswarm/pcswarm/internal/peer"
	"github.com/pcswarm/pcswarm/pkg/config"
	"github.com/pcswarm/pcswarm/pkg/retry"
)

// requestQueueFiller re-populates the request queue from the piece
// manager's rarest-missing list on the configured interval.
func (c *Coordinator) requestQueueFiller(ctx context.Context) {
	t := time.NewTicker(config.Load().RequestQueueFillInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.fillQueue()
		}
	}
}

func (c *Coordinator) fillQueue() {
	if c.role.load() == RoleSeeder {
		return
	}

	missing := c.mgr.RarestMissing()

	c.qmu.Lock()
	defer c.qmu.Unlock()
	for _, idx := range missing {
		if _, pending := c.pending[idx]; pending {
			continue
		}
		if _, queued := c.queued[idx]; queued {
			continue
		}
		c.queued[idx] = struct{}{}
		c.queue.Enqueue(queueItem{avail: c.mgr.Availability(idx), index: idx})
	}
}

// timeoutSweeper reclaims any pending request older than the configured
// timeout and re-enqueues it at its current availability.
func (c *Coordinator) timeoutSweeper(ctx context.Context) {
	t := time.NewTicker(config.Load().TimeoutSweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweepTimeouts()
		}
	}
}

func (c *Coordinator) sweepTimeouts() {
	timeout := config.Load().RequestTimeout
	now := time.Now()

	c.qmu.Lock()
	defer c.qmu.Unlock()
	for idx, at := range c.pending {
		if now.Sub(at) < timeout {
			continue
		}
		delete(c.pending, idx)
		c.queued[idx] = struct{}{}
		c.queue.Enqueue(queueItem{avail: c.mgr.Availability(idx), index: idx})
	}
}

// statusLoop periodically logs a snapshot of transfer counters, including
// the configured (never enforced) upload-rate cap's remaining token count
// — an informative display only, per the spec's Open Questions on rate
// caps.
func (c *Coordinator) statusLoop(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.log.Info("status",
				"role", c.role.load().String(),
				"peers", c.PeerCount(),
				"downloaded", c.mgr.Downloaded(),
				"uploaded", c.mgr.Uploaded(),
				"upload_rate_cap_tokens", c.rateDisplay.Tokens())
		}
	}
}

// peerConnector periodically retries connecting to addresses the last
// tracker announce returned but that are not currently connected. The
// announce cadence itself is owned by tracker.Client.Run (§4.5); this task
// only re-drives outbound dials against the cached peer list, since most
// unconnected addresses stay valid for the life of the swarm.
func (c *Coordinator) peerConnector(ctx context.Context) {
	t := time.NewTicker(config.Load().PeerConnectInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.connectKnownPeers()
		}
	}
}

func (c *Coordinator) connectKnownPeers() {
	if c.ctx == nil || c.ctx.Err() != nil {
		return
	}

	c.peersMu.Lock()
	addrs := append([]netip.AddrPort(nil), c.knownPeers...)
	c.peersMu.Unlock()

	for _, addr := range addrs {
		if c.isSelf(addr) {
			continue
		}

		c.connMu.Lock()
		_, connected := c.conns[addr]
		full := len(c.conns) >= config.Load().MaxPeers
		c.connMu.Unlock()
		if connected || full {
			continue
		}

		go c.dialAndRun(c.ctx, addr)
	}
}

// dialAndRun dials addr with a bounded, backed-off retry (spec §7: "the
// coordinator retries the peer on the next connect cycle" — this absorbs
// the transient dial failures within a single cycle rather than waiting
// out the full 30s peerConnector period for every attempt) before handing
// the session off to registerAndRun.
func (c *Coordinator) dialAndRun(ctx context.Context, addr netip.AddrPort) {
	var p *peer.Peer

	err := retry.Do(ctx, func(ctx context.Context) error {
		dialed, err := peer.Dial(ctx, addr, c.peerOpts())
		if err != nil {
			return err
		}
		p = dialed
		return nil
	}, retry.WithExponentialBackoff(3, 500*time.Millisecond, 5*time.Second)...)
	if err != nil {
		c.log.Debug("dial failed", "addr", addr, "error", err.Error())
		return
	}

	c.registerAndRun(ctx, p)
}

// isSelf reports whether addr is this process's own listening endpoint,
// so the peer connector never dials itself.
func (c *Coordinator) isSelf(addr netip.AddrPort) bool {
	if addr.Port() != c.listenPort {
		return false
	}
	if addr.Addr().IsLoopback() {
		return true
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, ia := range ifaceAddrs {
		ipNet, ok := ia.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipNet.IP); ok && ip.Unmap() == addr.Addr() {
			return true
		}
	}
	return false
}
