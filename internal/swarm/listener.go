package swarm

import (
	"context"
	"net"

	"github.com/pcswarm/pcswarm/internal/peer"
	"github.com/pcswarm/pcswarm/pkg/config"
)

// acceptLoop accepts inbound connections and hands each off to a peer
// session performing the mirror side of the handshake.
func (c *Coordinator) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("accept failed", "error", err.Error())
			continue
		}

		go c.acceptPeer(ctx, conn)
	}
}

func (c *Coordinator) acceptPeer(ctx context.Context, conn net.Conn) {
	p, err := peer.Accept(conn, c.peerOpts())
	if err != nil {
		c.log.Debug("inbound handshake failed", "error", err.Error())
		return
	}

	c.registerAndRun(ctx, p)
}

func (c *Coordinator) peerOpts() *peer.Opts {
	return &peer.Opts{
		Log:         c.log,
		InfoHash:    c.meta.InfoHash,
		ClientID:    c.clientID,
		PieceCount:  c.mgr.PieceCount(),
		Manager:     c.mgr,
		Coordinator: c,
	}
}

// registerAndRun adds p to the connection set (dropping it if the swarm is
// already at capacity) and runs it to completion, deregistering on exit.
func (c *Coordinator) registerAndRun(ctx context.Context, p *peer.Peer) {
	c.connMu.Lock()
	if len(c.conns) >= config.Load().MaxPeers {
		c.connMu.Unlock()
		p.Close()
		return
	}
	c.conns[p.Addr()] = p
	c.connMu.Unlock()

	if err := p.Run(ctx); err != nil {
		c.log.Debug("session ended", "addr", p.Addr(), "error", err.Error())
	}

	c.connMu.Lock()
	delete(c.conns, p.Addr())
	c.connMu.Unlock()
}
