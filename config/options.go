package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PortBinding is one parsed `udpport=P,G[,Mbps]` option: bind group G to
// UDP port P at the given rate (megabits/sec, default 1024).
type PortBinding struct {
	Port  int
	Group string
	Mbps  float64
}

// UnicastPeer is one parsed `addudpnode=`/`addtrustedudpnode=` option.
type UnicastPeer struct {
	Host       string
	Port       int
	LocalPass  string
	RemotePass string
	Group      string
	Trusted    bool
}

// MulticastRx is one parsed `udpmulticast=` option: a receive-only
// multicast stream.
type MulticastRx struct {
	Iface     string
	GroupHost string
	GroupPort int
	TxIP      string
	Trusted   bool
	GroupName string
}

// MulticastTx is one parsed `udpmulticasttx=` option: a transmit
// multicast stream, driving a BackfillWindow and TxnDribbler pair.
type MulticastTx struct {
	Iface        string
	GroupHost    string
	GroupPort    int
	BandwidthBps float64
	TxnPerSec    float64
	TTL          int
	Depth        int64
	Offset       int64
	DSCP         int
	Interleave   int
}

const (
	defaultPortMbps     = 1024
	defaultMulticastTTL = 1
)

// splitFields splits a comma-separated option value, requiring at least
// min fields and rejecting more than max (max<0 means unbounded).
func splitFields(value string, min, max int) ([]string, error) {
	fields := strings.Split(value, ",")
	if len(fields) < min || (max >= 0 && len(fields) > max) {
		return nil, fmt.Errorf("%w: expected between %d and %d comma-separated fields, got %d (%q)",
			ErrParse, min, max, len(fields), value)
	}
	return fields, nil
}

func parseHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q is not host:port: %v", ErrParse, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port in %q", ErrParse, s)
	}
	return host, port, nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no", "":
		return false, nil
	default:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return false, fmt.Errorf("%w: invalid boolean %q", ErrParse, s)
		}
		return b, nil
	}
}

// portBindingList accumulates repeated `udpport=` flag occurrences.
type portBindingList struct{ out *[]PortBinding }

func (l portBindingList) String() string { return "" }

func (l portBindingList) Set(value string) error {
	fields, err := splitFields(value, 2, 3)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("%w: invalid port %q", ErrParse, fields[0])
	}
	pb := PortBinding{Port: port, Group: fields[1], Mbps: defaultPortMbps}
	if len(fields) == 3 {
		mbps, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return fmt.Errorf("%w: invalid rate %q", ErrParse, fields[2])
		}
		pb.Mbps = mbps
	}
	*l.out = append(*l.out, pb)
	return nil
}

// unicastPeerList accumulates repeated `addudpnode=`/`addtrustedudpnode=`
// flag occurrences.
type unicastPeerList struct {
	out     *[]UnicastPeer
	trusted bool
}

func (l unicastPeerList) String() string { return "" }

func (l unicastPeerList) Set(value string) error {
	fields, err := splitFields(value, 3, 4)
	if err != nil {
		return err
	}
	host, port, err := parseHostPort(fields[0])
	if err != nil {
		return err
	}
	peer := UnicastPeer{
		Host:       host,
		Port:       port,
		LocalPass:  fields[1],
		RemotePass: fields[2],
		Trusted:    l.trusted,
	}
	if len(fields) == 4 {
		peer.Group = fields[3]
	}
	*l.out = append(*l.out, peer)
	return nil
}

// multicastRxList accumulates repeated `udpmulticast=` flag occurrences.
type multicastRxList struct{ out *[]MulticastRx }

func (l multicastRxList) String() string { return "" }

func (l multicastRxList) Set(value string) error {
	fields, err := splitFields(value, 3, 5)
	if err != nil {
		return err
	}
	host, port, err := parseHostPort(fields[1])
	if err != nil {
		return err
	}
	rx := MulticastRx{Iface: fields[0], GroupHost: host, GroupPort: port, TxIP: fields[2]}
	if len(fields) >= 4 {
		trusted, err := parseBool(fields[3])
		if err != nil {
			return err
		}
		rx.Trusted = trusted
	}
	if len(fields) == 5 {
		rx.GroupName = fields[4]
	}
	*l.out = append(*l.out, rx)
	return nil
}

// multicastTxList accumulates repeated `udpmulticasttx=` flag occurrences.
type multicastTxList struct{ out *[]MulticastTx }

func (l multicastTxList) String() string { return "" }

func (l multicastTxList) Set(value string) error {
	fields, err := splitFields(value, 4, 9)
	if err != nil {
		return err
	}
	host, port, err := parseHostPort(fields[1])
	if err != nil {
		return err
	}
	bw, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return fmt.Errorf("%w: invalid bw_bps %q", ErrParse, fields[2])
	}
	txnPerSec, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return fmt.Errorf("%w: invalid txn_per_sec %q", ErrParse, fields[3])
	}
	tx := MulticastTx{
		Iface: fields[0], GroupHost: host, GroupPort: port,
		BandwidthBps: bw, TxnPerSec: txnPerSec, TTL: defaultMulticastTTL,
	}
	optional := []func(string) error{
		func(s string) error { v, err := strconv.Atoi(s); tx.TTL = v; return err },
		func(s string) error { v, err := strconv.ParseInt(s, 10, 64); tx.Depth = v; return err },
		func(s string) error { v, err := strconv.ParseInt(s, 10, 64); tx.Offset = v; return err },
		func(s string) error { v, err := strconv.Atoi(s); tx.DSCP = v; return err },
		func(s string) error { v, err := strconv.Atoi(s); tx.Interleave = v; return err },
	}
	for i, field := range fields[4:] {
		if err := optional[i](field); err != nil {
			return fmt.Errorf("%w: invalid field %q in %q", ErrParse, field, value)
		}
	}
	*l.out = append(*l.out, tx)
	return nil
}
