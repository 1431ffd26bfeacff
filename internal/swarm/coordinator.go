// Package swarm implements the process-level controller that drives a
// single torrent's download or seed: it owns the request queue, the
// connection set, tracker communication, and the leecher/seeder role
// transition, and it accepts inbound connections on behalf of every peer
// session it spawns.
package swarm

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pcswarm/pcswarm/internal/metainfo"
	"github.com/pcswarm/pcswarm/internal/peer"
	"github.com/pcswarm/pcswarm/internal/piece"
	"github.com/pcswarm/pcswarm/internal/tracker"
	"github.com/pcswarm/pcswarm/pkg/config"
	pqueue "github.com/pcswarm/pcswarm/pkg/heap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Role is the coordinator's current participation mode. A Coordinator
// starts as RoleLeecher unless seeded with a complete download, and flips
// to RoleSeeder exactly once, when every piece verifies.
type Role int

const (
	RoleLeecher Role = iota
	RoleSeeder
)

func (r Role) String() string {
	if r == RoleSeeder {
		return "seeder"
	}
	return "leecher"
}

// queueItem is a candidate piece to request, ordered by ascending
// availability (rarest first), with ties broken by ascending piece index.
type queueItem struct {
	avail int
	index int
}

func lessQueueItem(a, b queueItem) bool {
	if a.avail != b.avail {
		return a.avail < b.avail
	}
	return a.index < b.index
}

// Opts configures a new Coordinator.
type Opts struct {
	Metainfo   *metainfo.Metainfo
	BaseDir    string
	ListenPort uint16
	Role       Role
	Log        *slog.Logger
}

// Coordinator owns the peer list, the connection set, the request queue,
// the pending-request map, and the leecher/seeder role for one torrent. It
// implements peer.Coordinator so every session it spawns can pull work
// from, and report outcomes to, a single shared instance.
type Coordinator struct {
	log      *slog.Logger
	meta     *metainfo.Metainfo
	mgr      *piece.Manager
	trk      *tracker.Client
	clientID [sha1.Size]byte
	baseDir  string

	listenPort uint16
	listener   net.Listener

	ctx context.Context

	connMu sync.Mutex
	conns  map[netip.AddrPort]*peer.Peer

	qmu sync.Mutex
	// queued tracks indices currently sitting in queue (enqueued but not
	// yet popped by NextRequest), so the 5s queue filler never pushes a
	// second copy of an index that's already waiting to be picked up.
	queued  map[int]struct{}
	queue   *pqueue.PriorityQueue[queueItem]
	pending map[int]time.Time

	peersMu    sync.Mutex
	knownPeers []netip.AddrPort

	role         atomicRole
	completeOnce sync.Once

	startedSent      atomic.Bool
	completedPending atomic.Bool

	// rateDisplay surfaces the configured (never enforced) upload rate
	// cap in periodic status logs; see DESIGN.md Open Question decision
	// on rate caps.
	rateDisplay *rate.Limiter
}

// atomicRole is a small atomic wrapper since Role is backed by a plain int
// and the coordinator's role is read from every peer session and
// background task concurrently.
type atomicRole struct{ v atomic.Int32 }

func (r *atomicRole) load() Role      { return Role(r.v.Load()) }
func (r *atomicRole) store(role Role) { r.v.Store(int32(role)) }

// NewCoordinator constructs a Coordinator over the given metainfo and
// base directory. The piece manager is created here; Run calls
// LoadExisting on it at startup for either role.
func NewCoordinator(opts Opts) (*Coordinator, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "swarm", "torrent", opts.Metainfo.Info.Name)

	mgr := piece.NewManager(opts.Metainfo, opts.BaseDir, log)

	rateCap := config.Load().MaxUploadRate
	if rateCap <= 0 {
		rateCap = 1 // a Limit of 0 would never permit a burst; keep the display meaningful
	}

	c := &Coordinator{
		log:         log,
		meta:        opts.Metainfo,
		mgr:         mgr,
		clientID:    NewPeerID(config.Load().ClientIDPrefix),
		baseDir:     opts.BaseDir,
		listenPort:  opts.ListenPort,
		conns:       make(map[netip.AddrPort]*peer.Peer),
		queued:      make(map[int]struct{}),
		queue:       pqueue.NewPriorityQueue(lessQueueItem),
		pending:     make(map[int]time.Time),
		rateDisplay: rate.NewLimiter(rate.Limit(rateCap), int(rateCap)),
	}
	c.role.store(opts.Role)

	trk, err := tracker.NewClient(opts.Metainfo.Announce, &tracker.Opts{
		Log:               log,
		OnAnnounceStart:   c.announceParams,
		OnAnnounceSuccess: c.onAnnounceSuccess,
	})
	if err != nil {
		return nil, fmt.Errorf("swarm: tracker client: %w", err)
	}
	c.trk = trk

	return c, nil
}

// Run drives the coordinator until ctx is cancelled or a fatal startup
// error occurs: it loads existing content for a seeder, binds the
// listener, starts the tracker announce loop, and starts the background
// request-queue filler, timeout sweeper, and peer-reconnect tasks.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	if c.role.load() == RoleSeeder {
		if err := c.mgr.LoadExisting(); err != nil {
			return fmt.Errorf("swarm: load existing: %w", err)
		}
		if !c.mgr.IsComplete() {
			return fmt.Errorf("swarm: seeder missing content under %s", c.baseDir)
		}
	} else {
		if err := c.mgr.LoadExisting(); err == nil && c.mgr.IsComplete() {
			c.onComplete()
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.listenPort))
	if err != nil {
		return fmt.Errorf("swarm: listen on port %d: %w", c.listenPort, err)
	}
	c.listener = ln
	c.log.Info("listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.acceptLoop(gctx) })
	g.Go(func() error { return c.trk.Run(gctx) })
	g.Go(func() error { c.requestQueueFiller(gctx); return nil })
	g.Go(func() error { c.timeoutSweeper(gctx); return nil })
	g.Go(func() error { c.peerConnector(gctx); return nil })
	g.Go(func() error { c.statusLoop(gctx); return nil })

	err = g.Wait()
	c.shutdown()
	return err
}

func (c *Coordinator) shutdown() {
	_ = c.listener.Close()

	c.connMu.Lock()
	peers := make([]*peer.Peer, 0, len(c.conns))
	for _, p := range c.conns {
		peers = append(peers, p)
	}
	c.connMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	c.log.Info("stopped")
}

// InfoHash returns the torrent's content identifier.
func (c *Coordinator) InfoHash() [sha1.Size]byte { return c.meta.InfoHash }

// ClientID returns this process's local peer identifier.
func (c *Coordinator) ClientID() [sha1.Size]byte { return c.clientID }

// Role returns the coordinator's current participation mode.
func (c *Coordinator) Role() Role { return c.role.load() }

// PeerCount returns the number of currently connected sessions.
func (c *Coordinator) PeerCount() int {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return len(c.conns)
}

// Manager exposes the underlying piece manager for status reporting.
func (c *Coordinator) Manager() *piece.Manager { return c.mgr }
