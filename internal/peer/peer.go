// Package peer implements a single peer connection's wire session: the
// handshake, the choke/interest state machine, request pipelining, and the
// read/write loops that multiplex them over one TCP socket.
package peer

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

	"github.com/pcswarm/pcswarm/internal/piece"
	"github.com/pcswarm/pcswarm/internal/protocol"
	"github.com/pcswarm/pcswarm/pkg/bitfield"
	"github.com/pcswarm/pcswarm/pkg/config"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

// Coordinator is the subset of swarm coordinator behavior a peer session
// depends on: pulling a priority-ordered piece index to request, and
// reporting outcomes back so the pending-request map and other sessions'
// bitfields stay consistent.
type Coordinator interface {
	// NextRequest pops the next candidate piece index from the
	// coordinator's priority queue. ok is false if the queue is empty.
	NextRequest() (index int, ok bool)

	// RequestFulfilled tells the coordinator a piece message for index
	// arrived, clearing it from the pending-request map regardless of
	// which session requested it.
	RequestFulfilled(index int)

	// PieceVerified tells the coordinator index is newly verified so it
	// can broadcast have(index) to every other session.
	PieceVerified(index int)
}

// Opts configures a new Peer. Manager and Coordinator must be shared across
// every session for the same torrent.
type Opts struct {
	Log         *slog.Logger
	InfoHash    [sha1.Size]byte
	ClientID    [sha1.Size]byte
	PieceCount  int
	Manager     *piece.Manager
	Coordinator Coordinator
}

// Stats is a snapshot of a session's transfer counters, suitable for
// periodic status reporting.
type Stats struct {
	Addr             netip.AddrPort
	RemotePeerID     [sha1.Size]byte
	Downloaded       uint64
	Uploaded         uint64
	DownloadRate     uint64
	UploadRate       uint64
	MessagesSent     uint64
	MessagesReceived uint64
	RequestsSent     uint64
	RequestsReceived uint64
	Errors           uint64
	ConnectedAt      time.Time
	AmChoking        bool
	AmInterested     bool
	PeerChoking      bool
	PeerInterested   bool
}

// Peer drives a single session's Connecting -> Handshake -> Bitfield ->
// Running -> Closed lifecycle. Connecting and Handshake happen in Dial or
// Accept, before a Peer value exists; everything from Bitfield onward runs
// under Run.
type Peer struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort

	remotePeerID [sha1.Size]byte

	mgr   *piece.Manager
	coord Coordinator

	state uint32 // atomic bitmask of maskAm*/maskPeer*

	remoteBfMu      sync.RWMutex
	remoteBitfield  bitfield.Bitfield
	seenNonBitfield bool

	outstanding atomic.Int32
	kick        chan struct{}

	outbox       chan *protocol.Message
	lastActiveAt atomic.Int64

	downloaded  atomic.Uint64
	uploaded    atomic.Uint64
	downRate    atomic.Uint64
	upRate      atomic.Uint64
	msgsSent    atomic.Uint64
	msgsRecv    atomic.Uint64
	reqsSent    atomic.Uint64
	reqsRecv    atomic.Uint64
	errs        atomic.Uint64
	connectedAt time.Time

	cancel    context.CancelFunc
	closeOnce sync.Once

	// sendMu pairs with stopped to make enqueue-vs-Close race-free: Close
	// takes the write lock, marks stopped, and only then closes outbox;
	// enqueue takes the read lock, so it either completes its send before
	// Close ever reaches the channel close, or observes stopped=true
	// (under the same lock) and never touches outbox at all.
	sendMu  sync.RWMutex
	stopped bool
}

func newPeer(conn net.Conn, addr netip.AddrPort, remotePeerID [sha1.Size]byte, opts *Opts) *Peer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	p := &Peer{
		log:            log.With("component", "peer_session", "addr", addr),
		conn:           conn,
		addr:           addr,
		remotePeerID:   remotePeerID,
		mgr:            opts.Manager,
		coord:          opts.Coordinator,
		remoteBitfield: bitfield.New(opts.PieceCount),
		kick:           make(chan struct{}, 1),
		outbox:         make(chan *protocol.Message, config.Load().PeerOutboundQueueBacklog),
		connectedAt:    time.Now(),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActiveAt.Store(time.Now().UnixNano())

	return p
}

// Dial opens an outbound TCP connection to addr and performs the initiating
// side of the handshake. On any failure it returns an error and leaves no
// side effects (the socket, if opened, is closed).
func Dial(ctx context.Context, addr netip.AddrPort, opts *Opts) (*Peer, error) {
	dialer := net.Dialer{Timeout: config.Load().DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	local := protocol.NewHandshake(opts.InfoHash, opts.ClientID)
	remote, err := local.Exchange(conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake %s: %w", addr, err)
	}

	return newPeer(conn, addr, remote.PeerID, opts), nil
}

// Accept performs the mirror side of the handshake over an already-accepted
// inbound connection: read the remote handshake first, validate its info
// hash, then reply with ours.
func Accept(conn net.Conn, opts *Opts) (*Peer, error) {
	addr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: parse remote addr: %w", err)
	}

	remote, err := protocol.ReadHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: read handshake from %s: %w", addr, err)
	}
	if remote.InfoHash != opts.InfoHash {
		_ = conn.Close()
		return nil, protocol.ErrInfoHashMismatch
	}

	reply := protocol.NewHandshake(opts.InfoHash, opts.ClientID)
	if err := protocol.WriteHandshake(conn, *reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: write handshake to %s: %w", addr, err)
	}

	return newPeer(conn, addr, remote.PeerID, opts), nil
}

// Addr returns the remote endpoint.
func (p *Peer) Addr() netip.AddrPort { return p.addr }

// RemotePeerID returns the 20-byte peer id captured during the handshake.
func (p *Peer) RemotePeerID() [sha1.Size]byte { return p.remotePeerID }

// Run drives the session's read loop, write loop, pipeline filler, and rate
// estimator until ctx is cancelled or the connection fails. It always
// closes the session before returning.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if bf := p.mgr.Bitfield(); bf.Any() {
		p.enqueue(protocol.MessageBitfield(bf.Bytes()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })
	g.Go(func() error { return p.pipelineLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	return g.Wait()
}

// Close tears the session down: cancels its context, closes the socket,
// closes the outbox, and forgets this peer's piece availability. Safe to
// call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()

		p.sendMu.Lock()
		p.stopped = true
		close(p.outbox)
		p.sendMu.Unlock()

		p.mgr.ForgetPeer(p.addr)
		p.log.Debug("session closed")
	})
}

// Idleness returns how long it has been since any frame was sent or
// received.
func (p *Peer) Idleness() time.Duration {
	return time.Since(time.Unix(0, p.lastActiveAt.Load()))
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) bool {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if next == old {
			return false
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return true
		}
	}
}

// SendHave queues a have(index) announcement for this peer. Used by the
// swarm coordinator to broadcast newly verified pieces to every other
// connected session.
func (p *Peer) SendHave(index int) {
	p.enqueue(protocol.MessageHave(uint32(index)))
}

// Choke sends a choke message if we are not already choking this peer.
func (p *Peer) Choke() {
	if p.setState(maskAmChoking, true) {
		p.enqueue(protocol.MessageChoke())
	}
}

// Unchoke sends an unchoke message if we are currently choking this peer.
func (p *Peer) Unchoke() {
	if p.setState(maskAmChoking, false) {
		p.enqueue(protocol.MessageUnchoke())
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = p.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
		message, err := protocol.ReadMessage(p.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			p.errs.Add(1)
			return fmt.Errorf("peer: read from %s: %w", p.addr, err)
		}

		p.msgsRecv.Add(1)
		p.lastActiveAt.Store(time.Now().UnixNano())

		if err := p.handleMessage(message); err != nil {
			return err
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	interval := config.Load().KeepAliveInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastSent := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(message); err != nil {
				return err
			}
			lastSent = time.Now()

		case <-ticker.C:
			if time.Since(lastSent) >= interval {
				p.enqueue(nil)
			}
		}
	}
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.errs.Add(1)
		return fmt.Errorf("peer: write to %s: %w", p.addr, err)
	}

	p.msgsSent.Add(1)
	p.lastActiveAt.Store(time.Now().UnixNano())
	p.onMessageWritten(message)
	return nil
}

func (p *Peer) onMessageWritten(message *protocol.Message) {
	if message == nil {
		return
	}

	switch message.ID {
	case protocol.Request:
		p.reqsSent.Add(1)
	case protocol.Piece:
		if n := len(message.Payload); n >= 8 {
			p.uploaded.Add(uint64(n - 8))
		}
	}
}

func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	if message.ID == protocol.Bitfield {
		if p.seenNonBitfield {
			p.log.Debug("ignoring late bitfield")
			return nil
		}
	} else {
		p.seenNonBitfield = true
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		p.signalKick()

	case protocol.Interested:
		p.setState(maskPeerInterested, true)
		p.reapplyChokingPolicy()

	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)
		p.reapplyChokingPolicy()

	case protocol.Have:
		index, ok := message.ParseHave()
		if !ok {
			return fmt.Errorf("peer: malformed have from %s", p.addr)
		}
		p.observeRemoteHave(int(index))
		p.recomputeInterest()

	case protocol.Bitfield:
		bf := bitfield.FromBytes(message.Payload)
		p.remoteBfMu.Lock()
		p.remoteBitfield = bf
		p.remoteBfMu.Unlock()
		p.mgr.ObserveBitfield(p.addr, bf)
		p.recomputeInterest()

	case protocol.Request:
		index, begin, length, ok := message.ParseRequest()
		if !ok {
			return fmt.Errorf("peer: malformed request from %s", p.addr)
		}
		p.reqsRecv.Add(1)
		p.serveRequest(int(index), int64(begin), int64(length))

	case protocol.Piece:
		index, begin, block, ok := message.ParsePiece()
		if !ok {
			return fmt.Errorf("peer: malformed piece from %s", p.addr)
		}
		p.handlePiece(int(index), int64(begin), block)

	case protocol.Cancel:
		// No outstanding scheduled-send bookkeeping to cancel in this core.

	default:
		return fmt.Errorf("peer: unknown message id %d from %s", message.ID, p.addr)
	}

	return nil
}

func (p *Peer) observeRemoteHave(index int) {
	p.remoteBfMu.Lock()
	p.remoteBitfield.Set(index)
	p.remoteBfMu.Unlock()
	p.mgr.ObserveHave(p.addr, index)
}

func (p *Peer) serveRequest(index int, begin, length int64) {
	if p.AmChoking() {
		return
	}

	block, ok := p.mgr.ReadBlock(index, begin, length)
	if !ok {
		return
	}
	p.enqueue(protocol.MessagePiece(uint32(index), uint32(begin), block))
}

func (p *Peer) handlePiece(index int, begin int64, block []byte) {
	p.outstanding.Add(-1)
	p.downloaded.Add(uint64(len(block)))

	verified, err := p.mgr.SubmitBlock(index, begin, block)
	if err != nil {
		p.log.Warn("submit block failed", "piece", index, "error", err.Error())
	}

	p.coord.RequestFulfilled(index)
	if verified {
		p.coord.PieceVerified(index)
	}

	p.signalKick()
}

// recomputeInterest compares our verified bitfield against the remote's and
// emits interested/not-interested on change.
func (p *Peer) recomputeInterest() {
	ours := p.mgr.Bitfield()

	p.remoteBfMu.RLock()
	remote := p.remoteBitfield
	p.remoteBfMu.RUnlock()

	want := false
	for i := 0; i < p.mgr.PieceCount(); i++ {
		if remote.Has(i) && !ours.Has(i) {
			want = true
			break
		}
	}

	if want && p.setState(maskAmInterested, true) {
		p.enqueue(protocol.MessageInterested())
		p.signalKick()
	} else if !want && p.setState(maskAmInterested, false) {
		p.enqueue(protocol.MessageNotInterested())
	}
}

// reapplyChokingPolicy implements the simplified choking policy: unchoke
// any interested peer, choke any not-interested one. No slot limit.
func (p *Peer) reapplyChokingPolicy() {
	if p.PeerInterested() {
		p.Unchoke()
	} else {
		p.Choke()
	}
}

func (p *Peer) signalKick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// pipelineLoop keeps up to MaxInflightRequestsPerPeer block requests
// outstanding whenever we are interested and not choked.
func (p *Peer) pipelineLoop(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
			p.fillPipeline()
		case <-ticker.C:
			p.fillPipeline()
		}
	}
}

func (p *Peer) fillPipeline() {
	limit := config.Load().MaxInflightRequestsPerPeer

	// Bound attempts so a queue full of pieces the remote lacks cannot
	// spin this loop forever.
	for attempts := 0; attempts < limit*4; attempts++ {
		if !p.AmInterested() || p.PeerChoking() {
			return
		}
		if int(p.outstanding.Load()) >= limit {
			return
		}

		index, ok := p.coord.NextRequest()
		if !ok {
			return
		}

		p.remoteBfMu.RLock()
		has := p.remoteBitfield.Has(index)
		p.remoteBfMu.RUnlock()
		if !has {
			// This peer doesn't hold index; undo the pending mark
			// NextRequest made so the 5s queue filler can re-enqueue
			// it immediately instead of waiting out the 30s request
			// timeout.
			p.coord.RequestFulfilled(index)
			continue
		}

		length := p.mgr.PieceLength(index)
		p.outstanding.Add(1)
		p.enqueue(protocol.MessageRequest(uint32(index), 0, uint32(length)))
	}
}

func (p *Peer) rateLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	const alpha = 0.2
	var upEMA, downEMA float64
	lastUp, lastDown := p.uploaded.Load(), p.downloaded.Load()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			curUp, curDown := p.uploaded.Load(), p.downloaded.Load()
			upEMA = alpha*float64(curUp-lastUp) + (1-alpha)*upEMA
			downEMA = alpha*float64(curDown-lastDown) + (1-alpha)*downEMA
			lastUp, lastDown = curUp, curDown

			p.upRate.Store(uint64(upEMA))
			p.downRate.Store(uint64(downEMA))
		}
	}
}

func (p *Peer) enqueue(message *protocol.Message) bool {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if p.stopped {
		return false
	}
	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of this session's counters.
func (p *Peer) Stats() Stats {
	return Stats{
		Addr:             p.addr,
		RemotePeerID:     p.remotePeerID,
		Downloaded:       p.downloaded.Load(),
		Uploaded:         p.uploaded.Load(),
		DownloadRate:     p.downRate.Load(),
		UploadRate:       p.upRate.Load(),
		MessagesSent:     p.msgsSent.Load(),
		MessagesReceived: p.msgsRecv.Load(),
		RequestsSent:     p.reqsSent.Load(),
		RequestsReceived: p.reqsRecv.Load(),
		Errors:           p.errs.Load(),
		ConnectedAt:      p.connectedAt,
		AmChoking:        p.AmChoking(),
		AmInterested:     p.AmInterested(),
		PeerChoking:      p.PeerChoking(),
		PeerInterested:   p.PeerInterested(),
	}
}
