package peer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pcswarm/pcswarm/internal/metainfo"
	"github.com/pcswarm/pcswarm/internal/piece"
)

func mustAddrPort(s string) netip.AddrPort {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// fakeCoordinator is a minimal, single-peer stand-in for a swarm
// coordinator: a FIFO of candidate indices plus recorders for the outcome
// callbacks.
type fakeCoordinator struct {
	mu        sync.Mutex
	queue     []int
	fulfilled []int
	verified  []int
}

func newFakeCoordinator(indices ...int) *fakeCoordinator {
	return &fakeCoordinator{queue: indices}
}

func (f *fakeCoordinator) NextRequest() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.queue) == 0 {
		return 0, false
	}
	idx := f.queue[0]
	f.queue = f.queue[1:]
	return idx, true
}

func (f *fakeCoordinator) RequestFulfilled(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfilled = append(f.fulfilled, index)
}

func (f *fakeCoordinator) PieceVerified(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, index)
}

func testTorrent(pieceLen int64, content []byte) *metainfo.Metainfo {
	pieceCount := (int64(len(content)) + pieceLen - 1) / pieceLen
	hashes := make([][sha1.Size]byte, pieceCount)
	for i := int64(0); i < pieceCount; i++ {
		start := i * pieceLen
		end := start + pieceLen
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		hashes[i] = sha1.Sum(content[start:end])
	}

	return &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "content.bin",
			PieceLength: pieceLen,
			Pieces:      hashes,
			Length:      int64(len(content)),
		},
	}
}

func dialAcceptPair(t *testing.T, infoHash [sha1.Size]byte, mgrA, mgrB *piece.Manager, coordA, coordB Coordinator, pieceCount int) (*Peer, *Peer) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var serverPeer *Peer
	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			serverErr = err
			return
		}
		serverPeer, serverErr = Accept(conn, &Opts{
			InfoHash:   infoHash,
			ClientID:   sha1.Sum([]byte("server")),
			PieceCount: pieceCount,
			Manager:    mgrB,
			Coordinator: coordB,
		})
	}()

	addr := ln.Addr().(*net.TCPAddr)
	clientAddr := mustAddrPort(addr.String())

	client, err := Dial(context.Background(), clientAddr, &Opts{
		InfoHash:    infoHash,
		ClientID:    sha1.Sum([]byte("client")),
		PieceCount:  pieceCount,
		Manager:     mgrA,
		Coordinator: coordA,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	<-done
	if serverErr != nil {
		t.Fatalf("Accept: %v", serverErr)
	}

	return client, serverPeer
}

func TestDialAcceptHandshake(t *testing.T) {
	content := bytes.Repeat([]byte{0x11}, 16)
	m := testTorrent(8, content)
	infoHash := sha1.Sum([]byte("unused-in-this-test"))

	mgrA := piece.NewManager(m, t.TempDir(), nil)
	mgrB := piece.NewManager(m, t.TempDir(), nil)

	client, server := dialAcceptPair(t, infoHash, mgrA, mgrB, newFakeCoordinator(), newFakeCoordinator(), m.PieceCount())
	defer client.Close()
	defer server.Close()

	if client.Addr().Port() == 0 {
		t.Fatalf("client addr not set")
	}
}

func TestInfoHashMismatchRejected(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, 8)
	m := testTorrent(8, content)
	mgrA := piece.NewManager(m, t.TempDir(), nil)
	mgrB := piece.NewManager(m, t.TempDir(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverInfoHash := sha1.Sum([]byte("server-torrent"))
	clientInfoHash := sha1.Sum([]byte("client-torrent"))

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		_, err = Accept(conn, &Opts{
			InfoHash:   serverInfoHash,
			ClientID:   sha1.Sum([]byte("server")),
			PieceCount: m.PieceCount(),
			Manager:    mgrB,
			Coordinator: newFakeCoordinator(),
		})
		errCh <- err
	}()

	addr := mustAddrPort(ln.Addr().String())
	_, dialErr := Dial(context.Background(), addr, &Opts{
		InfoHash:    clientInfoHash,
		ClientID:    sha1.Sum([]byte("client")),
		PieceCount:  m.PieceCount(),
		Manager:     mgrA,
		Coordinator: newFakeCoordinator(),
	})

	if dialErr == nil {
		t.Fatalf("expected dial to fail on info hash mismatch")
	}
	<-errCh
}

func TestFillPipelineReleasesPendingOnBitfieldMiss(t *testing.T) {
	content := bytes.Repeat([]byte{0x07}, 16) // two pieces of length 8
	m := testTorrent(8, content)

	mgr := piece.NewManager(m, t.TempDir(), nil)
	coord := newFakeCoordinator(0)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	p := newPeer(clientConn, mustAddrPort("127.0.0.1:4000"), sha1.Sum([]byte("remote")), &Opts{
		PieceCount:  m.PieceCount(),
		Manager:     mgr,
		Coordinator: coord,
	})

	// Interested and unchoked, but the remote's (empty) bitfield doesn't
	// actually have piece 0.
	p.setState(maskAmInterested, true)
	p.setState(maskPeerChoking, false)

	p.fillPipeline()

	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.fulfilled) != 1 || coord.fulfilled[0] != 0 {
		t.Fatalf("expected skip path to call RequestFulfilled(0), got %v", coord.fulfilled)
	}
	if p.outstanding.Load() != 0 {
		t.Fatalf("expected no outstanding request for a piece the remote lacks")
	}
}

func TestEndToEndTransfer(t *testing.T) {
	content := bytes.Repeat([]byte{0x42}, 16) // two pieces of length 8
	m := testTorrent(8, content)
	infoHash := sha1.Sum([]byte("torrent-under-test"))

	seederMgr := piece.NewManager(m, t.TempDir(), nil)
	if _, err := seederMgr.SubmitBlock(0, 0, content[0:8]); err != nil {
		t.Fatalf("seed piece 0: %v", err)
	}
	if _, err := seederMgr.SubmitBlock(1, 0, content[8:16]); err != nil {
		t.Fatalf("seed piece 1: %v", err)
	}

	leecherMgr := piece.NewManager(m, t.TempDir(), nil)
	leecherCoord := newFakeCoordinator(0, 1)
	seederCoord := newFakeCoordinator()

	leecher, seeder := dialAcceptPair(t, infoHash, leecherMgr, seederMgr, leecherCoord, seederCoord, m.PieceCount())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go leecher.Run(ctx)
	go seeder.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leecherMgr.IsComplete() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !leecherMgr.IsComplete() {
		t.Fatalf("leecher never completed download")
	}

	data0, ok := leecherMgr.ReadPiece(0)
	if !ok || !bytes.Equal(data0, content[0:8]) {
		t.Fatalf("piece 0 mismatch: %v %v", data0, ok)
	}
	data1, ok := leecherMgr.ReadPiece(1)
	if !ok || !bytes.Equal(data1, content[8:16]) {
		t.Fatalf("piece 1 mismatch: %v %v", data1, ok)
	}
}
