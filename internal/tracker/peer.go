package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// compactStride is the length in bytes of a single compact peer record:
// 4-byte IPv4 address followed by a 2-byte big-endian port.
const compactStride = 6

// decodePeers interprets the bencoded "peers" value as either a compact
// byte string of fixed-width records or a list of {ip, port} dictionaries.
func decodePeers(v any) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t))
	case []byte:
		return decodeCompactPeers(t)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("tracker: invalid peers type %T", v)
	}
}

func decodeCompactPeers(data []byte) ([]netip.AddrPort, error) {
	if len(data)%compactStride != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peers (len=%d)", len(data))
	}

	n := len(data) / compactStride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+compactStride {
		chunk := data[off : off+compactStride]
		addr := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
		port := binary.BigEndian.Uint16(chunk[4:6])
		out[i] = netip.AddrPortFrom(addr, port)
	}

	return out, nil
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] not a dict", i)
		}

		ipStr, ok := m["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("tracker: peer[%d] missing ip", i)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("tracker: peer[%d] bad ip %q: %w", i, ipStr, err)
		}

		port64, ok := m["port"].(int64)
		if !ok || port64 < 1 || port64 > 65535 {
			return nil, fmt.Errorf("tracker: peer[%d] invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port64)))
	}

	return peers, nil
}
