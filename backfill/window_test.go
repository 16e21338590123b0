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

type fakeBlockSource struct {
	mu      sync.Mutex
	blocks  map[int64][]byte
	tip     int64
	ibd     bool
	ibdLeft int
}

func newFakeBlockSource(n int64, size int) *fakeBlockSource {
	s := &fakeBlockSource{blocks: make(map[int64][]byte), tip: n - 1}
	for i := int64(0); i < n; i++ {
		b := make([]byte, size)
		_, _ = rand.Read(b)
		s.blocks[i] = b
	}
	return s
}

func (s *fakeBlockSource) ReadBlockFromDisk(ctx context.Context, height int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[height]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return b, nil
}

func (s *fakeBlockSource) TipHeight(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tip, nil
}

func (s *fakeBlockSource) InitialBlockDownload(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ibdLeft > 0 {
		s.ibdLeft--
		return true, nil
	}
	return s.ibd, nil
}

var _ collab.BlockSource = (*fakeBlockSource)(nil)

func TestWindowEmitsChunksAfterIBDClears(t *testing.T) {
	defer goleak.VerifyNone(t)
	source := newFakeBlockSource(5, 4000)
	group := queue.NewGroup(queue.NewUnlimitedTokenBucket())
	codec := packet.NewCodec(0xdeadbeefcafef00d)
	win := backfill.New(source, group, codec, backfill.WithName("test"), backfill.WithWidth(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go win.Run(ctx)

	require.Eventually(t, func() bool { return win.Started() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return group.Len(queue.BufferBlockBackfill) > 0 }, time.Second, time.Millisecond)

	win.Close()
}

func TestWindowWaitsThroughInitialBlockDownload(t *testing.T) {
	defer goleak.VerifyNone(t)
	source := newFakeBlockSource(3, 2000)
	source.ibdLeft = 2
	group := queue.NewGroup(queue.NewUnlimitedTokenBucket())
	codec := packet.NewCodec(1)
	win := backfill.New(source, group, codec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go win.Run(ctx)

	require.False(t, win.Started())
	// Run polls IBD once a second, so two IBD polls put the start just
	// past the two-second mark.
	require.Eventually(t, func() bool { return win.Started() }, 3*time.Second, 5*time.Millisecond)
	win.Close()
}

func TestWindowSnapshotReflectsInFlightCount(t *testing.T) {
	defer goleak.VerifyNone(t)
	source := newFakeBlockSource(4, 2000)
	group := queue.NewGroup(queue.NewUnlimitedTokenBucket())
	codec := packet.NewCodec(2)
	win := backfill.New(source, group, codec, backfill.WithWidth(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go win.Run(ctx)

	require.Eventually(t, func() bool { return win.Snapshot().InFlightBlocks > 0 }, time.Second, time.Millisecond)
	win.Close()
}
