package fec_test

import (
	"bytes"
	"testing"

	"github.com/Blockstream/bitcoinfibre/fec"
	"github.com/stretchr/testify/require"
)

func TestMmapBackedDecoderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fec.StoreDir = dir
	source := bytes.Repeat([]byte{0x77}, fec.ChunkSize*30)

	enc, err := fec.NewEncoder(source, fec.Cm256MaxChunks)
	require.NoError(t, err)
	require.NoError(t, enc.Prefill())

	dec, err := fec.NewDecoder(len(source), fec.MmapBacked, "", nil)
	require.NoError(t, err)
	defer dec.Close()

	n := enc.N()
	for i := 0; i < n; i++ {
		chunk, built := enc.Chunk(i)
		require.True(t, built)
		_, err := dec.Provide(chunk.Data[:], chunk.ID)
		require.NoError(t, err)
	}
	require.True(t, dec.IsReady())
	out, err := dec.TakeDecoded()
	require.NoError(t, err)
	require.Equal(t, source, out)
	require.NotEmpty(t, dec.StorePath())
}

func TestMmapBackedWirehairDefersUntilNOnDisk(t *testing.T) {
	dir := t.TempDir()
	fec.StoreDir = dir
	source := bytes.Repeat([]byte{0x22}, fec.ChunkSize*300)

	enc, err := fec.NewEncoder(source, 600)
	require.NoError(t, err)

	dec, err := fec.NewDecoder(len(source), fec.MmapBacked, "", nil)
	require.NoError(t, err)
	defer dec.Close()

	for i := 0; i < 600; i++ {
		require.NoError(t, enc.Build(i, false))
		chunk, _ := enc.Chunk(i)
		_, err := dec.Provide(chunk.Data[:], chunk.ID)
		require.NoError(t, err)
		if dec.IsReady() {
			break
		}
	}
	require.True(t, dec.IsReady())
	out, err := dec.TakeDecoded()
	require.NoError(t, err)
	require.Equal(t, source, out)
}

func TestDecoderAssignTransfersState(t *testing.T) {
	source := bytes.Repeat([]byte{0x3}, 400)
	enc, err := fec.NewEncoder(source, 1)
	require.NoError(t, err)
	require.NoError(t, enc.Build(0, false))
	chunk, _ := enc.Chunk(0)

	src, err := fec.NewDecoder(len(source), fec.InMemory, "", nil)
	require.NoError(t, err)
	_, err = src.Provide(chunk.Data[:], chunk.ID)
	require.NoError(t, err)
	require.True(t, src.IsReady())

	dst, err := fec.NewDecoder(len(source), fec.InMemory, "", nil)
	require.NoError(t, err)
	require.NoError(t, dst.Assign(src))
	require.True(t, dst.IsReady())
	out, err := dst.TakeDecoded()
	require.NoError(t, err)
	require.Equal(t, source, out)
}

func TestDecoderStateString(t *testing.T) {
	require.Equal(t, "Empty", fec.Empty.String())
	require.Equal(t, "Collecting", fec.Collecting.String())
	require.Equal(t, "Decodable", fec.Decodable.String())
	require.Equal(t, "Consumed", fec.Consumed.String())
	require.Equal(t, "Failed", fec.Failed.String())
}
