package backfill_test

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/Blockstream/bitcoinfibre/backfill"
	"github.com/Blockstream/bitcoinfibre/collab"
	"github.com/Blockstream/bitcoinfibre/packet"
	"github.com/Blockstream/bitcoinfibre/queue"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeMempool struct {
	mu  sync.Mutex
	txs map[[32]byte]collab.MempoolTx
	// order is the ancestor-score ordering IterateByAncestorScore returns.
	order []collab.MempoolTx
}

func newFakeMempool() *fakeMempool {
	return &fakeMempool{txs: make(map[[32]byte]collab.MempoolTx)}
}

func (m *fakeMempool) addTx(id byte, ancestors ...[32]byte) collab.MempoolTx {
	var txid [32]byte
	txid[0] = id
	body := make([]byte, 200)
	_, _ = rand.Read(body)
	tx := collab.MempoolTx{TxID: txid, Bytes: body, AncestorTx: ancestors}
	m.mu.Lock()
	m.txs[txid] = tx
	m.order = append(m.order, tx)
	m.mu.Unlock()
	return tx
}

func (m *fakeMempool) IterateByAncestorScore(ctx context.Context, limit int) ([]collab.MempoolTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]collab.MempoolTx, limit)
	copy(out, m.order[:limit])
	return out, nil
}

func (m *fakeMempool) Lookup(ctx context.Context, txid [32]byte) (collab.MempoolTx, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txid]
	return tx, ok
}

var _ collab.Mempool = (*fakeMempool)(nil)

func TestDribblerEnqueuesChunksForTxWithAncestor(t *testing.T) {
	defer goleak.VerifyNone(t)
	mempool := newFakeMempool()
	ancestor := mempool.addTx(1)
	mempool.addTx(2, ancestor.TxID)

	group := queue.NewGroup(queue.NewUnlimitedTokenBucket())
	codec := packet.NewCodec(3)
	bucket := queue.NewTokenBucket(100)
	d := backfill.NewTxnDribbler(mempool, group, codec, bucket, backfill.WithDribbleTick(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return group.Len(queue.BufferTxBackground) > 0 }, time.Second, time.Millisecond)
	d.Close()
}

func TestDribblerSuppressesRepeatSends(t *testing.T) {
	defer goleak.VerifyNone(t)
	mempool := newFakeMempool()
	mempool.addTx(1)

	group := queue.NewGroup(queue.NewUnlimitedTokenBucket())
	codec := packet.NewCodec(4)
	bucket := queue.NewTokenBucket(1000)
	d := backfill.NewTxnDribbler(mempool, group, codec, bucket, backfill.WithDribbleTick(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return group.Len(queue.BufferTxBackground) > 0 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	firstRoundLen := group.Len(queue.BufferTxBackground)

	for group.Dequeue(queue.BufferTxBackground) != nil {
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, group.Len(queue.BufferTxBackground), "the single tx should not be re-dribbled once sent")
	d.Close()
	_ = firstRoundLen
}

func TestDribblerRespectsTokenBucketQuota(t *testing.T) {
	defer goleak.VerifyNone(t)
	mempool := newFakeMempool()
	for i := byte(1); i <= 20; i++ {
		mempool.addTx(i)
	}

	group := queue.NewGroup(queue.NewUnlimitedTokenBucket())
	codec := packet.NewCodec(5)
	bucket := queue.NewTokenBucket(0) // starts with maxQuota=0, refills at 0/sec: never sends
	d := backfill.NewTxnDribbler(mempool, group, codec, bucket, backfill.WithDribbleTick(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, group.Len(queue.BufferTxBackground))
	d.Close()
}
