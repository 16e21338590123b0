// Package chunkstore implements the on-disk, memory-mapped chunk storage
// format described in §4.4: a fixed-size file holding up to N received
// coded chunks plus their 24-bit chunk ids, and the filename convention
// that lets a restarted process rediscover in-flight partial blocks.
package chunkstore

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ParsedFilename is the decoded form of a partial-block chunk-file name:
// <peerIP>_<peerPort>_<hashPrefix>_<body|header>_<length>
type ParsedFilename struct {
	PeerIP     netip.Addr
	PeerPort   uint16
	HashPrefix uint64
	IsHeader   bool
	Length     int
}

// ParseFilename validates and decodes a chunk-file name against the exact
// shape in §4.4. Any deviation is a non-recoverable parse error; callers
// are expected to delete the file on a failed parse (§6 persisted state).
func ParseFilename(name string) (ParsedFilename, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 5 {
		return ParsedFilename{}, fmt.Errorf("chunkstore: malformed filename %q: expected 5 fields, got %d", name, len(parts))
	}
	ipStr, portStr, hashStr, kindStr, lenStr := parts[0], parts[1], parts[2], parts[3], parts[4]

	ip, err := netip.ParseAddr(ipStr)
	if err != nil || !ip.Is4() {
		return ParsedFilename{}, fmt.Errorf("chunkstore: malformed filename %q: bad IPv4 address %q", name, ipStr)
	}
	// netip.ParseAddr tolerates some non-canonical forms; re-render and
	// compare to reject anything but strict dotted-quad octets.
	if ip.String() != ipStr {
		return ParsedFilename{}, fmt.Errorf("chunkstore: malformed filename %q: non-canonical IPv4 address %q", name, ipStr)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || strconv.FormatUint(port, 10) != portStr {
		return ParsedFilename{}, fmt.Errorf("chunkstore: malformed filename %q: bad port %q", name, portStr)
	}

	hashPrefix, err := strconv.ParseUint(hashStr, 10, 64)
	if err != nil || strconv.FormatUint(hashPrefix, 10) != hashStr {
		return ParsedFilename{}, fmt.Errorf("chunkstore: malformed filename %q: bad hash prefix %q", name, hashStr)
	}

	var isHeader bool
	switch kindStr {
	case "header":
		isHeader = true
	case "body":
		isHeader = false
	default:
		return ParsedFilename{}, fmt.Errorf("chunkstore: malformed filename %q: expected \"body\" or \"header\", got %q", name, kindStr)
	}

	length, err := strconv.Atoi(lenStr)
	if err != nil || length <= 0 || strconv.Itoa(length) != lenStr {
		return ParsedFilename{}, fmt.Errorf("chunkstore: malformed filename %q: bad length %q", name, lenStr)
	}

	return ParsedFilename{
		PeerIP:     ip,
		PeerPort:   uint16(port),
		HashPrefix: hashPrefix,
		IsHeader:   isHeader,
		Length:     length,
	}, nil
}

// FormatFilename renders a ParsedFilename back to its on-disk form. For
// every recoverable filename s, FormatFilename(ParseFilename(s)) == s.
func FormatFilename(p ParsedFilename) string {
	kind := "body"
	if p.IsHeader {
		kind = "header"
	}
	return fmt.Sprintf(
		"%s_%d_%d_%s_%d",
		p.PeerIP.String(), p.PeerPort, p.HashPrefix, kind, p.Length,
	)
}
