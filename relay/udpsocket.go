// Package relay wires the coding, queueing, scheduling, backfill, and
// registry packages into the running process described by §5/§6/§9: a
// process-scoped context struct holding the node tables that the
// original implementation kept as global mutable maps.
package relay

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Blockstream/bitcoinfibre/packet"
	"github.com/Blockstream/bitcoinfibre/queue"
	"github.com/Blockstream/bitcoinfibre/scheduler"
)

// udpSocket wraps one bound UDP socket as both a scheduler.Sender (for
// the transmit side) and the receive loop's datagram source.
type udpSocket struct {
	conn   *net.UDPConn
	logger *slog.Logger
}

func listenUDP(port int, logger *slog.Logger) (*udpSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn, logger: logger}, nil
}

// Send implements scheduler.Sender: pkt.Addr is a "host:port" string
// resolved fresh per send, since the destination varies per unicast peer
// (a multicast group's destination is fixed and set once via pkt.Addr at
// enqueue time).
func (s *udpSocket) Send(pkt queue.Packet) error {
	addr, err := net.ResolveUDPAddr("udp", pkt.Addr)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(pkt.Data, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return scheduler.ErrWouldBlock
		}
	}
	return err
}

// WaitWritable implements scheduler.Writable. UDP sockets essentially
// never block on write to a local kernel buffer under normal load, so
// this is a short, bounded wait rather than a real poll.
func (s *udpSocket) WaitWritable(timeout time.Duration) bool {
	time.Sleep(timeout)
	return true
}

// setMulticastTxOpts sets IP_MULTICAST_TTL and IP_TOS on a multicast
// transmit socket per the udpmulticasttx= ttl/dscp fields (§6). A zero
// value for either leaves the kernel default in place.
func setMulticastTxOpts(conn *net.UDPConn, ttl, dscp int) error {
	if ttl <= 0 && dscp <= 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if ttl > 0 {
			if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl); sockErr != nil {
				return
			}
		}
		if dscp > 0 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp)
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

// recvBufferPackets is the minimum number of max-size packets a
// multicast receive socket's SO_RCVBUF must hold, per §6.
const recvBufferPackets = 10000

// setMulticastRecvBuffer sizes conn's receive buffer to hold at least
// recvBufferPackets max-size datagrams, per §6's wire-format note.
func setMulticastRecvBuffer(conn *net.UDPConn, maxMessageSize int) error {
	return conn.SetReadBuffer(recvBufferPackets * maxMessageSize)
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

// joinMulticast binds a receive socket to a multicast group on iface,
// sized per §6's SO_RCVBUF requirement.
func joinMulticast(iface, groupHost string, groupPort int, logger *slog.Logger) (*udpSocket, error) {
	var ifi *net.Interface
	if iface != "" {
		found, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, err
		}
		ifi = found
	}
	conn, err := net.ListenMulticastUDP("udp", ifi, &net.UDPAddr{IP: net.ParseIP(groupHost), Port: groupPort})
	if err != nil {
		return nil, err
	}
	if err := setMulticastRecvBuffer(conn, packet.AuthSize+packet.MaxMessageSize); err != nil {
		logger.Warn("relay: setting multicast receive buffer", "error", err)
	}
	return &udpSocket{conn: conn, logger: logger}, nil
}
