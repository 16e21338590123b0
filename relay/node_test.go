package relay

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Blockstream/bitcoinfibre/config"
	"github.com/Blockstream/bitcoinfibre/packet"
	"github.com/Blockstream/bitcoinfibre/registry"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestNodeReceivesBlockHeaderFromUnicastPeer exercises the full receive
// path over a real loopback socket: a datagram encoded with the same
// magic NewNode derives for a configured addudpnode= peer reaches the
// registry and fires onReady once the single-chunk header is decodable.
func TestNodeReceivesBlockHeaderFromUnicastPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()
	clientPort := client.LocalAddr().(*net.UDPAddr).Port

	cfg := config.New("test")
	require.NoError(t, cfg.Parse([]string{
		"-udpport", "0,relay",
		"-addudpnode", fmt.Sprintf("127.0.0.1:%d,localpass,remotepass", clientPort),
	}))

	ready := make(chan registry.Key, 1)
	node, err := NewNode(cfg, nil, nil, WithOnBlockReady(func(key registry.Key, _ *registry.PartialBlock) {
		ready <- key
	}))
	require.NoError(t, err)
	defer node.Close()
	require.Len(t, node.sockets, 1)
	serverPort := node.sockets[0].conn.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)

	codec := packet.NewCodec(deriveMagic("localpass", "remotepass"))
	datagram, err := codec.Encode(packet.Message{
		Type: packet.TypeBlockHeader,
		Content: packet.ContentHeader{
			HashPrefix:    0xabc123,
			ChunkID:       0,
			ObjChunkCount: 1,
		},
		Chunk: make([]byte, packet.ChunkSize),
	})
	require.NoError(t, err)

	_, err = client.WriteToUDP(datagram, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort})
	require.NoError(t, err)

	select {
	case key := <-ready:
		require.Equal(t, uint64(0xabc123), key.HashPrefix)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for block-ready callback")
	}
}

// TestNodeRejectsDatagramFromUnknownPeer confirms a datagram from an
// unregistered source address is silently dropped rather than creating a
// registry entry, per the auth-failure drop rule.
func TestNodeRejectsDatagramFromUnknownPeer(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	cfg := config.New("test")
	require.NoError(t, cfg.Parse([]string{"-udpport", "0,relay"}))

	node, err := NewNode(cfg, nil, nil)
	require.NoError(t, err)
	defer node.Close()
	serverPort := node.sockets[0].conn.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)

	codec := packet.NewCodec(deriveMagic("whoever", "whatever"))
	datagram, err := codec.Encode(packet.Message{
		Type:    packet.TypeBlockHeader,
		Content: packet.ContentHeader{HashPrefix: 7, ChunkID: 0, ObjChunkCount: 1},
		Chunk:   make([]byte, packet.ChunkSize),
	})
	require.NoError(t, err)
	_, err = client.WriteToUDP(datagram, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, node.registry.Len())
}

// TestNodeStatsReportsGroupsAndPartialBlocks confirms Stats aggregates
// across every group the config wires, even before any traffic flows.
func TestNodeStatsReportsGroupsAndPartialBlocks(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.New("test")
	require.NoError(t, cfg.Parse([]string{"-udpport", "0,relay", "-udpport", "0,other,10"}))

	node, err := NewNode(cfg, nil, nil)
	require.NoError(t, err)
	defer node.Close()

	stats := node.Stats()
	require.Len(t, stats.Groups, 2)
	require.Equal(t, 0, stats.PartialBlocks)
}

// TestNodeCloseIsIdempotent confirms calling Close twice does not panic
// or double-close any socket.
func TestNodeCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := config.New("test")
	require.NoError(t, cfg.Parse([]string{"-udpport", "0,relay"}))

	node, err := NewNode(cfg, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go node.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	node.Close()
	node.Close()
}
