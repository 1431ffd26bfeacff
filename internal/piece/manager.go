// Package piece implements the hash-verified, partially-ordered storage of
// content fragments shared across a torrent swarm: piece and block
// bookkeeping, per-peer availability accounting, and the on-disk ↔
// in-memory mapping across a torrent's file layout.
package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/pcswarm/pcswarm/internal/metainfo"
	"github.com/pcswarm/pcswarm/pkg/bitfield"
)

// MaxBlockLength is the standard block size requested and transferred
// between peers; only the final block of the final piece may be shorter.
const MaxBlockLength = 16 * 1024

// Manager owns a torrent's piece bytes and per-peer availability
// accounting for the life of a download. Verified piece bytes are kept in
// memory; the only disk I/O is the one-time LoadExisting read at startup
// and the completion-time Reconstruct write.
//
// Every mutating operation, and every read of verified bytes, acquires a
// single mutex covering piece data, block bookkeeping, availability, and
// the per-peer membership map.
type Manager struct {
	log *slog.Logger

	mu sync.Mutex

	layout      []metainfo.Region
	baseDir     string
	totalSize   int64
	pieceLength int64
	pieceCount  int
	hashes      [][sha1.Size]byte

	verified map[int][]byte
	pending  map[int]map[int64][]byte // piece -> block begin -> bytes; only while unverified

	availability *availabilityBucket
	peerPieces   map[netip.AddrPort]map[int]struct{}

	downloaded int64
	uploaded   int64
}

// NewManager constructs a Manager for the given parsed torrent. baseDir is
// the directory content is read from and reconstructed into; it need not
// exist yet.
func NewManager(m *metainfo.Metainfo, baseDir string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "piece_manager")

	pieceCount := m.PieceCount()

	return &Manager{
		log:          log,
		layout:       m.Layout(),
		baseDir:      baseDir,
		totalSize:    m.Size(),
		pieceLength:  m.Info.PieceLength,
		pieceCount:   pieceCount,
		hashes:       m.Info.Pieces,
		verified:     make(map[int][]byte),
		pending:      make(map[int]map[int64][]byte),
		availability: newAvailabilityBucket(pieceCount),
		peerPieces:   make(map[netip.AddrPort]map[int]struct{}),
	}
}

func (m *Manager) pieceLengthAt(index int) int64 {
	start := int64(index) * m.pieceLength
	if start+m.pieceLength > m.totalSize {
		return m.totalSize - start
	}
	return m.pieceLength
}

func blockCountFor(pieceLen int64) int {
	return int((pieceLen + MaxBlockLength - 1) / MaxBlockLength)
}

func blockBoundsFor(pieceLen int64, blockIdx int) (begin, length int64) {
	begin = int64(blockIdx) * MaxBlockLength
	length = MaxBlockLength
	if begin+length > pieceLen {
		length = pieceLen - begin
	}
	return begin, length
}

// LoadExisting scans the file layout under baseDir and marks as verified
// every piece whose bytes are already present and hash-correct. Pieces
// with missing files or a hash mismatch are left absent.
func (m *Manager) LoadExisting() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < m.pieceCount; i++ {
		pieceLen := m.pieceLengthAt(i)
		buf := make([]byte, pieceLen)

		if err := readSpan(m.baseDir, m.layout, buf, int64(i)*m.pieceLength); err != nil {
			continue
		}
		if sha1.Sum(buf) != m.hashes[i] {
			continue
		}

		m.verified[i] = buf
		m.downloaded += pieceLen
	}

	m.log.Info("loaded existing content", "verified", len(m.verified), "pieces", m.pieceCount)
	return nil
}

// SubmitBlock deposits a downloaded block. If the piece becomes complete
// and its hash matches, it is promoted to verified, downloaded grows by the
// piece length, and verified is true. If the piece is complete but its
// hash does not match, its blocks are discarded and the piece remains
// requestable; an incomplete piece keeps its blocks and reports
// verified=false. A piece is complete either when one block covers the
// whole piece or when every 16 KiB grid slot holds a block of the right
// length. Submissions for an already-verified
// piece are ignored and report verified=false.
func (m *Manager) SubmitBlock(index int, begin int64, block []byte) (verified bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.pieceCount {
		return false, fmt.Errorf("piece: index %d out of range", index)
	}
	if _, ok := m.verified[index]; ok {
		return false, nil
	}

	pieceLen := m.pieceLengthAt(index)
	if begin < 0 || begin >= pieceLen || begin+int64(len(block)) > pieceLen {
		return false, fmt.Errorf("piece: block out of bounds for piece %d", index)
	}

	blocks, ok := m.pending[index]
	if !ok {
		blocks = make(map[int64][]byte)
		m.pending[index] = blocks
	}
	blocks[begin] = append([]byte(nil), block...)

	if !pieceComplete(pieceLen, blocks) {
		return false, nil
	}

	data := make([]byte, pieceLen)
	for b, chunk := range blocks {
		copy(data[b:], chunk)
	}

	if sha1.Sum(data) != m.hashes[index] {
		m.log.Warn("piece hash mismatch, discarding", "piece", index)
		delete(m.pending, index)
		return false, nil
	}

	delete(m.pending, index)
	m.verified[index] = data
	m.downloaded += pieceLen

	m.log.Debug("piece verified", "piece", index)
	return true, nil
}

func pieceComplete(pieceLen int64, blocks map[int64][]byte) bool {
	if whole, ok := blocks[0]; ok && int64(len(whole)) == pieceLen {
		return true
	}
	wantCount := blockCountFor(pieceLen)
	if len(blocks) != wantCount {
		return false
	}
	for bi := 0; bi < wantCount; bi++ {
		begin, length := blockBoundsFor(pieceLen, bi)
		chunk, ok := blocks[begin]
		if !ok || int64(len(chunk)) != length {
			return false
		}
	}
	return true
}

// ReadPiece returns the raw bytes of a verified piece, or ok=false if the
// piece has not yet been verified.
func (m *Manager) ReadPiece(index int) (data []byte, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok = m.verified[index]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// ReadBlock returns a slice of a verified piece and increments uploaded by
// its length. ok is false if the piece is not verified or the range is out
// of bounds.
func (m *Manager) ReadBlock(index int, begin, length int64) (block []byte, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.verified[index]
	if !ok || begin < 0 || length < 0 || begin+length > int64(len(data)) {
		return nil, false
	}

	block = append([]byte(nil), data[begin:begin+length]...)
	m.uploaded += length
	return block, true
}

// Bitfield returns a most-significant-bit-first packed bitfield with bit i
// set iff piece i is verified.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf := bitfield.New(m.pieceCount)
	for i := range m.verified {
		bf.Set(i)
	}
	return bf
}

// ObserveBitfield records which pieces peer holds, incrementing
// availability only for indices not already attributed to this peer.
func (m *Manager) ObserveBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := m.peerPieces[peer]
	if owned == nil {
		owned = make(map[int]struct{})
		m.peerPieces[peer] = owned
	}

	for i := 0; i < m.pieceCount; i++ {
		if !bf.Has(i) {
			continue
		}
		if _, had := owned[i]; had {
			continue
		}
		owned[i] = struct{}{}
		m.availability.Move(i, 1)
	}
}

// ObserveHave records a single piece announced by peer via a have message,
// applying the same attribution rule as ObserveBitfield.
func (m *Manager) ObserveHave(peer netip.AddrPort, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.pieceCount {
		return
	}

	owned := m.peerPieces[peer]
	if owned == nil {
		owned = make(map[int]struct{})
		m.peerPieces[peer] = owned
	}
	if _, had := owned[index]; had {
		return
	}

	owned[index] = struct{}{}
	m.availability.Move(index, 1)
}

// ForgetPeer decrements availability for every piece previously attributed
// to peer and discards its membership record.
func (m *Manager) ForgetPeer(peer netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.peerPieces[peer] {
		m.availability.Move(i, -1)
	}
	delete(m.peerPieces, peer)
}

// RarestMissing returns the indices of all unverified pieces, sorted
// ascending by current availability. Tie order among equally-rare pieces
// is unspecified.
func (m *Manager) RarestMissing() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	missing := make([]int, 0, m.pieceCount-len(m.verified))
	m.availability.ascending(func(index int) {
		if _, ok := m.verified[index]; !ok {
			missing = append(missing, index)
		}
	})
	return missing
}

// IsComplete reports whether every piece has been verified.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.verified) == m.pieceCount
}

// Reconstruct writes every verified piece's bytes to their file regions
// under baseDir, creating directories as needed. It returns an error if
// any piece is not yet verified.
func (m *Manager) Reconstruct() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < m.pieceCount; i++ {
		data, ok := m.verified[i]
		if !ok {
			return fmt.Errorf("piece: reconstruct called before piece %d verified", i)
		}
		if err := writeSpan(m.baseDir, m.layout, data, int64(i)*m.pieceLength); err != nil {
			return fmt.Errorf("piece: write piece %d: %w", i, err)
		}
	}
	return nil
}

// Downloaded returns the total length of verified pieces.
func (m *Manager) Downloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded
}

// Uploaded returns the total bytes emitted via ReadBlock.
func (m *Manager) Uploaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploaded
}

// PieceCount returns P, the total number of pieces.
func (m *Manager) PieceCount() int {
	return m.pieceCount
}

// PieceLength returns the length of piece index, accounting for the
// (possibly shorter) final piece.
func (m *Manager) PieceLength(index int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pieceLengthAt(index)
}

// Availability returns the current availability count for piece index.
func (m *Manager) Availability(index int) int {
	return m.availability.Availability(index)
}
