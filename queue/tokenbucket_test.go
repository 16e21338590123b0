package queue_test

import (
	"testing"

	"github.com/Blockstream/bitcoinfibre/queue"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketStartsFull(t *testing.T) {
	b := queue.NewTokenBucket(1000)
	require.Equal(t, 2000, b.Quota())
}

func TestTokenBucketConsumeReducesQuota(t *testing.T) {
	b := queue.NewTokenBucket(1000)
	b.Consume(500)
	require.Equal(t, 1500, b.Quota())
}

func TestTokenBucketEstimateWaitWhenSufficient(t *testing.T) {
	b := queue.NewTokenBucket(1000)
	require.Equal(t, 0, int(b.EstimateWait(100)))
}

func TestTokenBucketEstimateWaitWhenDeficient(t *testing.T) {
	b := queue.NewTokenBucket(1000)
	b.Consume(2000) // drain the full burst allowance
	wait := b.EstimateWait(500)
	require.Greater(t, wait.Seconds(), 0.0)
}

func TestUnlimitedTokenBucketNeverThrottles(t *testing.T) {
	b := queue.NewUnlimitedTokenBucket()
	require.True(t, b.Unlimited())
	b.Consume(1 << 30)
	require.Equal(t, 0, int(b.EstimateWait(1<<30)))
	require.Greater(t, b.Quota(), 0)
}
