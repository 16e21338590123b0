package relay

import "github.com/Blockstream/bitcoinfibre/queue"

// GroupStats is a JSON-marshalable snapshot of one output group's queue
// depths and drop counters, for the §6 introspection endpoint.
type GroupStats struct {
	Name      string `json:"name"`
	HighLen   int    `json:"high_len"`
	BestLen   int    `json:"best_effort_len"`
	TxLen     int    `json:"tx_background_len"`
	BackfillLen int  `json:"block_backfill_len"`
	Dropped   int    `json:"dropped"`
}

// RxPeerStats reports one udpmulticast= stream's name and trust flag,
// mirroring the original's getudpnetworkinfo connection listing.
type RxPeerStats struct {
	Name    string `json:"name"`
	Trusted bool   `json:"trusted"`
}

// Stats aggregates every group, window, and partial-block counter a Node
// tracks, mirroring the introspection fields §5/§6 describe.
type Stats struct {
	Groups        []GroupStats   `json:"groups"`
	Windows       []backfillSnap `json:"windows"`
	RxPeers       []RxPeerStats  `json:"rx_peers"`
	PartialBlocks int            `json:"partial_blocks"`
	BytesSent     uint64         `json:"bytes_sent"`
}

// backfillSnap is a local alias so stats.go doesn't need to import
// backfill just to name its Stats type in a json tag-friendly way.
type backfillSnap = struct {
	Name           string `json:"name"`
	InFlightBlocks int    `json:"in_flight_blocks"`
	Cursor         int64  `json:"cursor"`
}

// Stats returns a point-in-time snapshot of every group, window, and the
// partial-block registry's current size.
func (n *Node) Stats() Stats {
	stats := Stats{PartialBlocks: n.registry.Len(), BytesSent: n.sched.BytesSent(), RxPeers: n.rxPeers}
	for _, g := range n.groups {
		stats.Groups = append(stats.Groups, GroupStats{
			Name:        g.Name(),
			HighLen:     g.Len(queue.BufferHigh),
			BestLen:     g.Len(queue.BufferBestEffort),
			TxLen:       g.Len(queue.BufferTxBackground),
			BackfillLen: g.Len(queue.BufferBlockBackfill),
			Dropped: g.DroppedCount(queue.BufferHigh) + g.DroppedCount(queue.BufferBestEffort) +
				g.DroppedCount(queue.BufferTxBackground) + g.DroppedCount(queue.BufferBlockBackfill),
		})
	}
	for _, w := range n.windows {
		snap := w.Snapshot()
		stats.Windows = append(stats.Windows, backfillSnap{Name: snap.Name, InFlightBlocks: snap.InFlightBlocks, Cursor: snap.Cursor})
	}
	return stats
}
