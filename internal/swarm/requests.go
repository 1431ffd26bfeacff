package swarm

import "time"

// The methods in this file implement peer.Coordinator, the interface
// every peer session in this swarm depends on to pull work from, and
// report outcomes to, a single shared request queue and completion
// trigger.

// NextRequest pops the next candidate piece index from the priority
// queue, skipping any index that has since verified or is already
// pending (claimed by another session since it was enqueued).
func (c *Coordinator) NextRequest() (int, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()

	for {
		item, ok := c.queue.Dequeue()
		if !ok {
			return 0, false
		}
		delete(c.queued, item.index) // Dequeue always removes it from the heap

		if c.mgr.Bitfield().Has(item.index) {
			continue
		}
		if _, pending := c.pending[item.index]; pending {
			continue
		}

		c.pending[item.index] = time.Now()
		return item.index, true
	}
}

// RequestFulfilled clears index from the pending-request map regardless
// of which session's piece message triggered it. Sessions also call this
// when they pop an index they can't actually request (the remote peer's
// bitfield lacks it), so the 5s queue filler can re-enqueue it rather than
// leaving it stuck "pending" until the 30s timeout sweep.
func (c *Coordinator) RequestFulfilled(index int) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	delete(c.pending, index)
}

// PieceVerified broadcasts have(index) to every connected session and, if
// the download is now complete, triggers the one-time leecher-to-seeder
// role transition.
func (c *Coordinator) PieceVerified(index int) {
	c.broadcastHave(index)

	if c.mgr.IsComplete() {
		c.completeOnce.Do(c.onComplete)
	}
}

func (c *Coordinator) broadcastHave(index int) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	for _, p := range c.conns {
		p.SendHave(index)
	}
}

// onComplete runs exactly once, when the piece manager reports every
// piece verified: it reconstructs the on-disk files, flips the role to
// seeder, and fires an immediate "completed" tracker announce.
func (c *Coordinator) onComplete() {
	if err := c.mgr.Reconstruct(); err != nil {
		c.log.Error("reconstruct failed", "error", err.Error())
		return
	}

	c.role.store(RoleSeeder)
	c.completedPending.Store(true)
	c.log.Info("download complete, switching to seeder")

	if c.ctx != nil {
		go func() {
			if _, err := c.trk.Announce(c.ctx, c.announceParams()); err != nil {
				c.log.Warn("completed announce failed", "error", err.Error())
			}
		}()
	}
}
