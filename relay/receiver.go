package relay

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/Blockstream/bitcoinfibre/codecpool"
	"github.com/Blockstream/bitcoinfibre/packet"
	"github.com/Blockstream/bitcoinfibre/registry"
)

// BlockReadyFunc is invoked once both halves of a block that were
// provided (header, body, or both) reach Decodable. Pulling the decoded
// bytes out with TakeDecoded and acting on them is a collaborator
// concern (§1/§6); Node only reports readiness.
type BlockReadyFunc func(key registry.Key, block *registry.PartialBlock)

// TxChunkFunc is invoked for every TX_CONTENTS chunk received.
// Reassembling a transaction from its chunks against mempool state is an
// external collaborator concern (§1); Node only demultiplexes the wire.
type TxChunkFunc func(hashPrefix uint64, chunkID uint32, chunkCount int, chunk []byte)

// codecResolver picks the authentication key to try for a datagram's
// source address. Unicast ports key by peer address; multicast receive
// sockets return the same shared codec regardless of source.
type codecResolver func(addr *net.UDPAddr) (*packet.Codec, bool)

// receiver reads framed datagrams off one socket, authenticates and
// decodes them, and routes content chunks into the registry.
type receiver struct {
	socket   *udpSocket
	resolve  codecResolver
	reg      *registry.PartialBlockRegistry
	pool     *codecpool.Pool
	logger   *slog.Logger
	onReady  BlockReadyFunc
	onTxRecv TxChunkFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

func newReceiver(socket *udpSocket, resolve codecResolver, reg *registry.PartialBlockRegistry,
	pool *codecpool.Pool, logger *slog.Logger, onReady BlockReadyFunc, onTxRecv TxChunkFunc) *receiver {
	return &receiver{
		socket: socket, resolve: resolve, reg: reg, pool: pool, logger: logger,
		onReady: onReady, onTxRecv: onTxRecv, stop: make(chan struct{}),
	}
}

// run reads datagrams until the socket is closed or stop fires.
func (r *receiver) run() {
	r.wg.Add(1)
	defer r.wg.Done()
	buf := make([]byte, packet.AuthSize+packet.MaxMessageSize)
	for {
		n, addr, err := r.socket.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("relay: udp read error", "error", err)
			continue
		}
		r.handleDatagram(buf[:n], addr)
	}
}

func (r *receiver) handleDatagram(datagram []byte, addr *net.UDPAddr) {
	codec, ok := r.resolve(addr)
	if !ok {
		return
	}
	msg, err := codec.Decode(datagram)
	if err != nil {
		// Auth failures and malformed datagrams are silently dropped (§7).
		return
	}
	switch msg.Type {
	case packet.TypeBlockHeader, packet.TypeBlockContents:
		r.handleBlockChunk(msg, addr)
	case packet.TypeTxContents:
		if r.onTxRecv != nil {
			r.onTxRecv(msg.Content.HashPrefix, msg.Content.ChunkID, int(msg.Content.ObjChunkCount), msg.Chunk)
		}
	default:
		// SYN/KEEPALIVE/DISCONNECT/PING/PONG belong to the peer-state and
		// handshake machinery, out of scope per §1.
	}
}

func (r *receiver) handleBlockChunk(msg packet.Message, addr *net.UDPAddr) {
	peerIP, ok := netip.AddrFromSlice(addr.IP.To4())
	if !ok {
		return
	}
	key := registry.Key{PeerIP: peerIP, PeerPort: uint16(addr.Port), HashPrefix: msg.Content.HashPrefix}
	block := r.reg.GetOrCreate(key)

	var err error
	if msg.Type == packet.TypeBlockHeader {
		_, err = block.ProvideHeader(msg.Chunk, msg.Content.ChunkID, int(msg.Content.ObjChunkCount), r.pool)
	} else {
		_, err = block.ProvideBody(msg.Chunk, msg.Content.ChunkID, int(msg.Content.ObjChunkCount), r.pool)
	}
	if err != nil {
		r.logger.Debug("relay: rejected chunk", "peer", addr, "hash_prefix", msg.Content.HashPrefix, "error", err)
		return
	}
	if block.Ready() && r.onReady != nil {
		r.onReady(key, block)
	}
}

func (r *receiver) close() {
	close(r.stop)
	_ = r.socket.Close()
	r.wg.Wait()
}
