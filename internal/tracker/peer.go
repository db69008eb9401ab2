package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6  // 4 bytes IP + 2 bytes port
	strideV6 = 18 // 16 bytes IP + 2 bytes port
)

// decodePeers interprets a tracker response's "peers" value, which BEP 23
// lets a tracker return either as a compact binary blob (string/[]byte) or
// as the original dictionary-model list of {ip, port[, peer id]} maps.
func decodePeers(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers([]byte(t), ipv6)
	case []byte:
		return decodeCompactPeers(t, ipv6)
	case []any:
		return decodeDictPeers(t)
	default:
		return nil, fmt.Errorf("invalid peers type %T", v)
	}
}

// decodeCompactPeers unpacks a flat byte string of fixed-width IP:port
// entries, either all IPv4 (strideV4) or all IPv6 (strideV6).
func decodeCompactPeers(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	stride := strideV4
	if ipv6 {
		stride = strideV6
	}

	if len(data)%stride != 0 {
		return nil, fmt.Errorf("malformed or invalid compact peers: length %d not a multiple of %d", len(data), stride)
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i := range out {
		chunk := data[i*stride : (i+1)*stride]
		ip, port := chunk[:stride-2], chunk[stride-2:]
		addr, err := addrFromBytes(ip)
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: %w", i, err)
		}
		out[i] = netip.AddrPortFrom(addr, binary.BigEndian.Uint16(port))
	}

	return out, nil
}

// addrFromBytes builds a netip.Addr from a raw 4- or 16-byte IP, the shape
// shared by both the compact and dictionary peer encodings.
func addrFromBytes(b []byte) (netip.Addr, error) {
	switch len(b) {
	case 4:
		return netip.AddrFrom4([4]byte(b)), nil
	case 16:
		return netip.AddrFrom16([16]byte(b)), nil
	default:
		return netip.Addr{}, fmt.Errorf("unexpected ip byte length %d", len(b))
	}
}

// decodeDictPeers parses the original (non-compact) tracker peer list: a
// bencoded list of dictionaries each holding at least "ip" and "port".
func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("peer[%d] not dict", i)
		}

		addr, err := dictPeerAddr(m)
		if err != nil {
			return nil, fmt.Errorf("peer[%d]: %w", i, err)
		}

		port, ok := dictPeerPort(m)
		if !ok {
			return nil, fmt.Errorf("peer[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, port))
	}

	return peers, nil
}

func dictPeerAddr(m map[string]any) (netip.Addr, error) {
	switch ip := m["ip"].(type) {
	case string:
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad ip %q: %w", ip, err)
		}
		return addr, nil
	case []byte:
		return addrFromBytes(ip)
	default:
		return netip.Addr{}, fmt.Errorf("unsupported ip type %T", m["ip"])
	}
}

func dictPeerPort(m map[string]any) (uint16, bool) {
	p64, ok := m["port"].(int64)
	if !ok || p64 < 1 || p64 > 65535 {
		return 0, false
	}
	return uint16(p64), true
}
