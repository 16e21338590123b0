package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Blockstream/bitcoinfibre/backfill"
	"github.com/Blockstream/bitcoinfibre/codecpool"
	"github.com/Blockstream/bitcoinfibre/collab"
	"github.com/Blockstream/bitcoinfibre/config"
	"github.com/Blockstream/bitcoinfibre/packet"
	"github.com/Blockstream/bitcoinfibre/queue"
	"github.com/Blockstream/bitcoinfibre/registry"
	"github.com/Blockstream/bitcoinfibre/scheduler"
)

const (
	defaultPoolCapacity = 4
	defaultPoolBufSize  = 1 << 20
	bitsPerByte         = 8
	megabit             = 1_000_000
)

// mbpsToBytesPerSec converts a udpport= rate in megabits/sec to the
// bytes/sec TokenBucket expects.
func mbpsToBytesPerSec(mbps float64) float64 {
	return mbps * megabit / bitsPerByte
}

// Node is the process-scoped context struct §9 calls for in place of the
// source's global UDPNodes/MulticastNodes/TxQueues/PartialBlocks maps: it
// owns every group, socket, scheduler, window, and dribbler the
// configuration describes, and the one registry they all share.
type Node struct {
	cfg      *config.Config
	source   collab.BlockSource
	mempool  collab.Mempool
	pool     *codecpool.Pool
	registry *registry.PartialBlockRegistry
	logger   *slog.Logger

	groups  map[string]*queue.TxQueueGroup
	sockets []*udpSocket // every socket opened, for error-path cleanup

	receivers     []*receiver  // own and close their rx-side sockets
	txOnlySockets []*udpSocket // send-only sockets with no receiver
	rxPeers       []RxPeerStats

	sched     *scheduler.SendScheduler
	windows   []*backfill.Window
	dribblers []*backfill.TxnDribbler

	onReady  BlockReadyFunc
	onTxRecv TxChunkFunc

	doneChan  chan struct{}
	wg        sync.WaitGroup
	onceClose sync.Once
}

// NodeOption configures a Node at construction.
type NodeOption func(*Node)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) NodeOption {
	return func(n *Node) { n.logger = logger }
}

// WithCodecPool overrides the default wirehair-scratch pool sizing.
func WithCodecPool(capacity, bufSize int) NodeOption {
	return func(n *Node) { n.pool = codecpool.New(capacity, bufSize) }
}

// WithOnBlockReady registers the callback invoked when a PartialBlock
// becomes ready.
func WithOnBlockReady(fn BlockReadyFunc) NodeOption {
	return func(n *Node) { n.onReady = fn }
}

// WithOnTxChunk registers the callback invoked for every received
// TX_CONTENTS chunk.
func WithOnTxChunk(fn TxChunkFunc) NodeOption {
	return func(n *Node) { n.onTxRecv = fn }
}

// NewNode wires a Node from a parsed Config: binds every udpport= socket,
// registers every addudpnode=/addtrustedudpnode= peer's authentication
// key, and, when both source and mempool are non-nil, creates a
// BackfillWindow/TxnDribbler pair for every udpmulticasttx= stream (with
// either one nil, udpmulticasttx= streams are not set up at all). It does
// not start any goroutines; call Run for that.
func NewNode(cfg *config.Config, source collab.BlockSource, mempool collab.Mempool, opts ...NodeOption) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		source:  source,
		mempool: mempool,
		pool:    codecpool.New(defaultPoolCapacity, defaultPoolBufSize),
		logger:  slog.Default(),
		groups:  make(map[string]*queue.TxQueueGroup),
		doneChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.registry = registry.New(n.pool, registry.WithLogger(n.logger))

	sharedSignal := queue.NewSignal()
	unicastCodecs := make(map[string]*packet.Codec)
	for _, peer := range cfg.UnicastPeers {
		key := net.JoinHostPort(peer.Host, strconv.Itoa(peer.Port))
		unicastCodecs[key] = packet.NewCodec(deriveMagic(peer.LocalPass, peer.RemotePass))
	}
	resolveUnicast := func(addr *net.UDPAddr) (*packet.Codec, bool) {
		codec, ok := unicastCodecs[addr.String()]
		return codec, ok
	}

	var bindings []scheduler.Binding
	for _, pb := range cfg.Ports {
		bucket := queue.NewTokenBucket(mbpsToBytesPerSec(pb.Mbps))
		group := queue.NewGroup(bucket,
			queue.WithGroupName(pb.Group),
			queue.WithSignal(sharedSignal),
			queue.WithLogger(n.logger))
		n.groups[pb.Group] = group

		socket, err := listenUDP(pb.Port, n.logger)
		if err != nil {
			n.closeSockets()
			return nil, fmt.Errorf("relay: binding udpport group %s on %d: %w", pb.Group, pb.Port, err)
		}
		n.sockets = append(n.sockets, socket)
		bindings = append(bindings, scheduler.Binding{Group: group, Sender: socket})
		n.receivers = append(n.receivers, newReceiver(socket, resolveUnicast, n.registry, n.pool, n.logger, n.onReady, n.onTxRecv))
	}

	for i, rx := range cfg.MulticastRx {
		groupName := rx.GroupName
		if groupName == "" {
			groupName = fmt.Sprintf("multicast-rx-%d", i)
		}
		codec := packet.NewCodec(deriveMagic(groupName, rx.TxIP))
		socket, err := joinMulticast(rx.Iface, rx.GroupHost, rx.GroupPort, n.logger)
		if err != nil {
			n.closeSockets()
			return nil, fmt.Errorf("relay: joining multicast group %s: %w", groupName, err)
		}
		n.sockets = append(n.sockets, socket)
		fixedCodec := func(*net.UDPAddr) (*packet.Codec, bool) { return codec, true }
		n.receivers = append(n.receivers, newReceiver(socket, fixedCodec, n.registry, n.pool, n.logger, n.onReady, n.onTxRecv))
		n.rxPeers = append(n.rxPeers, RxPeerStats{Name: groupName, Trusted: rx.Trusted})
	}

	if source != nil && mempool != nil {
		for i, tx := range cfg.MulticastTx {
			groupName := fmt.Sprintf("multicast-tx-%d", i)
			dest := net.JoinHostPort(tx.GroupHost, strconv.Itoa(tx.GroupPort))
			group := queue.NewGroup(queue.NewTokenBucket(tx.BandwidthBps),
				queue.WithGroupName(groupName),
				queue.WithMulticast(true),
				queue.WithSignal(sharedSignal),
				queue.WithLogger(n.logger))
			n.groups[groupName] = group

			socket, err := listenUDP(0, n.logger)
			if err != nil {
				n.closeSockets()
				return nil, fmt.Errorf("relay: binding multicast tx socket for %s: %w", groupName, err)
			}
			if err := setMulticastTxOpts(socket.conn, tx.TTL, tx.DSCP); err != nil {
				n.logger.Warn("relay: setting multicast tx socket options", "group", groupName, "error", err)
			}
			n.sockets = append(n.sockets, socket)
			n.txOnlySockets = append(n.txOnlySockets, socket)
			bindings = append(bindings, scheduler.Binding{Group: group, Sender: socket})

			codec := packet.NewCodec(deriveMagic(groupName, dest))
			win := backfill.New(source, group, codec,
				backfill.WithName(groupName),
				backfill.WithDepth(tx.Depth),
				backfill.WithOffset(tx.Offset),
				backfill.WithWidth(tx.Interleave),
				backfill.WithDest(dest),
				backfill.WithLogger(n.logger))
			n.windows = append(n.windows, win)

			dribbleBucket := queue.NewTokenBucket(tx.TxnPerSec)
			dribbler := backfill.NewTxnDribbler(mempool, group, codec, dribbleBucket,
				backfill.WithDribblerName(groupName),
				backfill.WithDribblerDest(dest),
				backfill.WithDribblerLogger(n.logger))
			n.dribblers = append(n.dribblers, dribbler)
		}
	}

	n.sched = scheduler.New(bindings, scheduler.WithLogger(n.logger))
	return n, nil
}

func (n *Node) closeSockets() {
	for _, s := range n.sockets {
		_ = s.Close()
	}
}

// Run starts every socket's receive loop, the scheduler, every backfill
// window and dribbler, and the stats/eviction tickers. It blocks until
// ctx is done or Close is called.
func (n *Node) Run(ctx context.Context) {
	for _, r := range n.receivers {
		go r.run()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sched.Run(ctx)
	}()
	for _, w := range n.windows {
		n.wg.Add(1)
		go func(w *backfill.Window) {
			defer n.wg.Done()
			w.Run(ctx)
		}(w)
	}
	for _, d := range n.dribblers {
		n.wg.Add(1)
		go func(d *backfill.TxnDribbler) {
			defer n.wg.Done()
			d.Run(ctx)
		}(d)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runTickers(ctx)
	}()
	select {
	case <-ctx.Done():
	case <-n.doneChan:
	}
}

func (n *Node) runTickers(ctx context.Context) {
	logTicker := time.NewTicker(n.cfg.LogInterval())
	defer logTicker.Stop()
	evictTicker := time.NewTicker(defaultEvictInterval)
	defer evictTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.doneChan:
			return
		case <-logTicker.C:
			n.logStats()
		case <-evictTicker.C:
			if stale := n.registry.EvictIdle(); len(stale) > 0 {
				n.logger.Info("relay: evicted idle partial blocks", "count", len(stale))
			}
		}
	}
}

const defaultEvictInterval = 10 * time.Second

func (n *Node) logStats() {
	stats := n.Stats()
	n.logger.Info("relay: stats", "groups", len(stats.Groups), "windows", len(stats.Windows),
		"partial_blocks", stats.PartialBlocks, "bytes_sent", stats.BytesSent)
}

// Close stops every goroutine Run started and releases every socket.
func (n *Node) Close() {
	n.onceClose.Do(func() {
		close(n.doneChan)
		for _, r := range n.receivers {
			r.close()
		}
		for _, s := range n.txOnlySockets {
			_ = s.Close()
		}
		n.sched.Close()
		for _, w := range n.windows {
			w.Close()
		}
		for _, d := range n.dribblers {
			d.Close()
		}
		n.wg.Wait()
	})
}
