package piece

import (
	"bytes"
	"crypto/sha1"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/pcswarm/pcswarm/internal/metainfo"
)

func singleFileTorrent(t *testing.T, pieceLen int64, content []byte) *metainfo.Metainfo {
	t.Helper()

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

func TestSubmitBlockAndReadBack(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 20)
	m := singleFileTorrent(t, 8, content)
	mgr := NewManager(m, t.TempDir(), nil)

	// piece 0: [0,8), piece 1: [8,16), piece 2: [16,20)
	if _, err := mgr.SubmitBlock(0, 0, content[0:8]); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if !mgr.Bitfield().Has(0) {
		t.Fatalf("piece 0 should be verified")
	}

	data, ok := mgr.ReadPiece(0)
	if !ok || !bytes.Equal(data, content[0:8]) {
		t.Fatalf("ReadPiece(0) = %v, %v", data, ok)
	}

	if mgr.Downloaded() != 8 {
		t.Fatalf("Downloaded() = %d, want 8", mgr.Downloaded())
	}
}

func TestSubmitBlockHashMismatchDiscards(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, 8)
	m := singleFileTorrent(t, 8, content)
	mgr := NewManager(m, t.TempDir(), nil)

	corrupt := append([]byte(nil), content...)
	corrupt[0] ^= 0xFF

	if _, err := mgr.SubmitBlock(0, 0, corrupt); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	if mgr.Bitfield().Has(0) {
		t.Fatalf("corrupted piece must not verify")
	}
	if mgr.Downloaded() != 0 {
		t.Fatalf("Downloaded() should stay 0 after hash mismatch")
	}

	// Re-submit with correct bytes; must still succeed.
	if _, err := mgr.SubmitBlock(0, 0, content); err != nil {
		t.Fatalf("SubmitBlock retry: %v", err)
	}
	if !mgr.Bitfield().Has(0) {
		t.Fatalf("piece should verify on correct retry")
	}
}

func TestIsCompleteAndReconstruct(t *testing.T) {
	content := bytes.Repeat([]byte{0x42}, 20)
	m := singleFileTorrent(t, 8, content)
	dir := t.TempDir()
	mgr := NewManager(m, dir, nil)

	pieceLens := []int64{8, 8, 4}
	off := int64(0)
	for i, pl := range pieceLens {
		if _, err := mgr.SubmitBlock(i, 0, content[off:off+pl]); err != nil {
			t.Fatalf("SubmitBlock(%d): %v", i, err)
		}
		off += pl
	}

	if !mgr.IsComplete() {
		t.Fatalf("expected IsComplete after all pieces submitted")
	}

	if err := mgr.Reconstruct(); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "content.bin"))
	if err != nil {
		t.Fatalf("read reconstructed file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("reconstructed content mismatch")
	}
}

func TestMultiFileReconstruction(t *testing.T) {
	m := &metainfo.Metainfo{
		Info: &metainfo.Info{
			Name:        "bundle",
			PieceLength: 8,
			Files: []*metainfo.File{
				{Length: 10, Path: []string{"a.bin"}},
				{Length: 20, Path: []string{"d", "b.bin"}},
			},
		},
	}
	content := make([]byte, 30)
	for i := range content {
		content[i] = byte(i)
	}
	hashes := make([][sha1.Size]byte, 4)
	for i := 0; i < 4; i++ {
		start := int64(i) * 8
		end := start + 8
		if end > 30 {
			end = 30
		}
		hashes[i] = sha1.Sum(content[start:end])
	}
	m.Info.Pieces = hashes

	dir := t.TempDir()
	mgr := NewManager(m, dir, nil)

	for i := 0; i < 4; i++ {
		start := int64(i) * 8
		end := start + 8
		if end > 30 {
			end = 30
		}
		if _, err := mgr.SubmitBlock(i, 0, content[start:end]); err != nil {
			t.Fatalf("SubmitBlock(%d): %v", i, err)
		}
	}

	if err := mgr.Reconstruct(); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}

	a, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil || !bytes.Equal(a, content[0:10]) {
		t.Fatalf("a.bin mismatch: %v %v", a, err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "d", "b.bin"))
	if err != nil || !bytes.Equal(b, content[10:30]) {
		t.Fatalf("d/b.bin mismatch: %v %v", b, err)
	}
}

func TestLoadExistingResumesVerifiedPieces(t *testing.T) {
	content := bytes.Repeat([]byte{0x7E}, 16)
	m := singleFileTorrent(t, 8, content)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "content.bin"), content, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	mgr := NewManager(m, dir, nil)
	if err := mgr.LoadExisting(); err != nil {
		t.Fatalf("LoadExisting: %v", err)
	}

	if !mgr.IsComplete() {
		t.Fatalf("expected resumed download to be complete")
	}
	if mgr.Downloaded() != 16 {
		t.Fatalf("Downloaded() = %d, want 16", mgr.Downloaded())
	}
}

func TestAvailabilityAccounting(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, 24) // 3 pieces of length 8
	m := singleFileTorrent(t, 8, content)
	mgr := NewManager(m, t.TempDir(), nil)

	peer := netip.MustParseAddrPort("10.0.0.1:6881")

	bf := mgr.Bitfield() // empty, size 3
	bf.Set(0)
	bf.Set(2)
	mgr.ObserveBitfield(peer, bf)

	if mgr.Availability(0) != 1 || mgr.Availability(2) != 1 {
		t.Fatalf("expected availability 1 for pieces 0 and 2")
	}
	if mgr.Availability(1) != 0 {
		t.Fatalf("piece 1 should have availability 0")
	}

	mgr.ObserveHave(peer, 1)
	if mgr.Availability(1) != 1 {
		t.Fatalf("expected availability 1 for piece 1 after have")
	}

	mgr.ForgetPeer(peer)
	for i := 0; i < 3; i++ {
		if mgr.Availability(i) != 0 {
			t.Fatalf("piece %d availability should be 0 after forget, got %d", i, mgr.Availability(i))
		}
	}
}

func TestRarestMissingMonotone(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, 32) // 4 pieces
	m := singleFileTorrent(t, 8, content)
	mgr := NewManager(m, t.TempDir(), nil)

	peerA := netip.MustParseAddrPort("10.0.0.1:6881")
	peerB := netip.MustParseAddrPort("10.0.0.2:6881")

	bfA := mgr.Bitfield()
	bfA.Set(0)
	bfA.Set(1)
	mgr.ObserveBitfield(peerA, bfA)

	bfB := mgr.Bitfield()
	bfB.Set(1)
	mgr.ObserveBitfield(peerB, bfB)

	// availability: piece0=1, piece1=2, piece2=0, piece3=0
	missing := mgr.RarestMissing()
	if len(missing) != 4 {
		t.Fatalf("expected 4 missing pieces, got %d", len(missing))
	}

	var lastAvail = -1
	for _, idx := range missing {
		a := mgr.Availability(idx)
		if a < lastAvail {
			t.Fatalf("RarestMissing not monotone: %v", missing)
		}
		lastAvail = a
	}
}

func TestObserveBitfieldIdempotentPerPeer(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, 8)
	m := singleFileTorrent(t, 8, content)
	mgr := NewManager(m, t.TempDir(), nil)

	peer := netip.MustParseAddrPort("10.0.0.1:6881")
	bf := mgr.Bitfield()
	bf.Set(0)

	mgr.ObserveBitfield(peer, bf)
	mgr.ObserveBitfield(peer, bf) // same peer, same bitfield again

	if mgr.Availability(0) != 1 {
		t.Fatalf("re-observing the same bitfield must not double-count; got %d", mgr.Availability(0))
	}
}
