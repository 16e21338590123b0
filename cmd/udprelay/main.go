package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Blockstream/bitcoinfibre/config"
	"github.com/Blockstream/bitcoinfibre/relay"
)

// main wires a bare relay Node from the command line: every udpport=,
// addudpnode=, addtrustedudpnode=, udpmulticast=, and udpmulticasttx=
// option it is given. Without a BlockSource/Mempool collaborator (a
// concern §1 places outside this module) multicasttx= streams are
// accepted but never start a BackfillWindow/TxnDribbler pair; the
// process still relays every receive-side stream it is configured with.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.New(os.Args[0])
	if err := cfg.Parse(os.Args[1:]); err != nil {
		logger.Error("udprelay: parsing command line", "error", err)
		os.Exit(1)
	}

	node, err := relay.NewNode(cfg, nil, nil, relay.WithLogger(logger))
	if err != nil {
		logger.Error("udprelay: starting node", "error", err)
		os.Exit(1)
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("udprelay: running",
		"ports", len(cfg.Ports), "unicast_peers", len(cfg.UnicastPeers),
		"multicast_rx", len(cfg.MulticastRx), "multicast_tx", len(cfg.MulticastTx))
	node.Run(ctx)
	logger.Info("udprelay: shutting down")
}
