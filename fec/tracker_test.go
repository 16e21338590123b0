package fec_test

import (
	"testing"

	"github.com/Blockstream/bitcoinfibre/fec"
	"github.com/stretchr/testify/require"
)

func TestCm256TrackerCheckAndMark(t *testing.T) {
	source := make([]byte, fec.ChunkSize*5)
	dec, err := fec.NewDecoder(len(source), fec.InMemory, "", nil)
	require.NoError(t, err)
	require.Equal(t, fec.Cm256, dec.Mode())

	res, err := dec.Provide(make([]byte, fec.ChunkSize), 3)
	require.NoError(t, err)
	require.Equal(t, fec.Accepted, res)

	res, err = dec.Provide(make([]byte, fec.ChunkSize), 3)
	require.NoError(t, err)
	require.Equal(t, fec.DuplicateOk, res)
}

func TestWirehairTrackerBoundedMemoryOverSparseIDSpace(t *testing.T) {
	source := make([]byte, fec.ChunkSize*500)
	dec, err := fec.NewDecoder(len(source), fec.InMemory, "", nil)
	require.NoError(t, err)
	require.Equal(t, fec.Wirehair, dec.Mode())

	// Ids far apart in the 2^24 space are still tracked correctly; a dense
	// bitmap over the whole space would be infeasible, but a handful of
	// actually-seen ids costs nothing.
	ids := []uint32{1, 1 << 20, (1 << 24) - 1, 500000}
	for _, id := range ids {
		res, err := dec.Provide(make([]byte, fec.ChunkSize), id)
		require.NoError(t, err)
		require.Equal(t, fec.Accepted, res)
	}
	for _, id := range ids {
		res, err := dec.Provide(make([]byte, fec.ChunkSize), id)
		require.NoError(t, err)
		require.Equal(t, fec.DuplicateOk, res)
	}
}
