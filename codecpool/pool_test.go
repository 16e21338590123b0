package codecpool_test

import (
	"testing"

	"github.com/Blockstream/bitcoinfibre/codecpool"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesReturnedScratch(t *testing.T) {
	p := codecpool.New(2, 64)
	s1 := p.Get()
	s1.Buf = append(s1.Buf, 1, 2, 3)
	p.Put(s1)
	require.Equal(t, 1, p.Len())

	s2 := p.Get()
	require.Same(t, s1, s2)
	require.Empty(t, s2.Buf, "Reset must clear the buffer on return")
}

func TestPoolAllocatesOnMiss(t *testing.T) {
	p := codecpool.New(1, 16)
	s1 := p.Get()
	s2 := p.Get()
	require.NotSame(t, s1, s2)
	require.Equal(t, 0, p.Len())
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := codecpool.New(1, 16)
	a := &codecpool.Scratch{}
	b := &codecpool.Scratch{}
	p.Put(a)
	p.Put(b)
	require.Equal(t, 1, p.Len())
}

func TestPoolPutNilIsNoOp(t *testing.T) {
	p := codecpool.New(1, 16)
	p.Put(nil)
	require.Equal(t, 0, p.Len())
}
