package chunkstore_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Blockstream/bitcoinfibre/chunkstore"
	"github.com/stretchr/testify/require"
)

func TestStoreInsertAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.chunks")
	store, err := chunkstore.Create(path, 4)
	require.NoError(t, err)
	defer store.Close()

	data := bytes.Repeat([]byte{0xAB}, chunkstore.ChunkSize)
	store.Insert(2, data, 0xABCDEF&0xFFFFFF)
	require.Equal(t, data, store.Chunk(2))
	require.EqualValues(t, 0xABCDEF&0xFFFFFF, store.ChunkID(2))

	// Untouched slots stay zeroed.
	require.Equal(t, make([]byte, chunkstore.ChunkSize), store.Chunk(0))
	require.EqualValues(t, 0, store.ChunkID(0))
}

func TestStoreInvalidSlotPanics(t *testing.T) {
	dir := t.TempDir()
	store, err := chunkstore.Create(filepath.Join(dir, "s.chunks"), 2)
	require.NoError(t, err)
	defer store.Close()

	require.Panics(t, func() { store.Chunk(2) })
	require.Panics(t, func() { store.Chunk(-1) })
}

func TestStoreRemoveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.chunks")
	store, err := chunkstore.Create(path, 2)
	require.NoError(t, err)

	require.NoError(t, store.Remove())
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
	// Second call is a no-op, not an error.
	require.NoError(t, store.Remove())
}

func TestStoreOpenSeesPreviouslyWrittenData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.chunks")
	store, err := chunkstore.Create(path, 4)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{0x5}, chunkstore.ChunkSize)
	store.Insert(1, data, 42)
	require.NoError(t, store.Close())

	reopened, err := chunkstore.Open(path, 4)
	require.NoError(t, err)
	defer reopened.Remove()
	require.Equal(t, data, reopened.Chunk(1))
	require.EqualValues(t, 42, reopened.ChunkID(1))
}

func TestStoreAssignTransfersOwnershipAndRenames(t *testing.T) {
	dir := t.TempDir()
	dstPath := filepath.Join(dir, "dst.chunks")
	srcPath := filepath.Join(dir, "src.chunks")

	dst, err := chunkstore.Create(dstPath, 2)
	require.NoError(t, err)
	src, err := chunkstore.Create(srcPath, 2)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x9}, chunkstore.ChunkSize)
	src.Insert(0, data, 7)

	require.NoError(t, dst.Assign(src))
	// dst inherits src's contents, and the file on disk is now at dst's
	// original path (src's file was renamed over it).
	require.Equal(t, data, dst.Chunk(0))
	require.Equal(t, dstPath, dst.Path())
	_, statErr := os.Stat(srcPath)
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dstPath)
	require.NoError(t, statErr)

	// src is now moved-from: a no-op destructor.
	require.Equal(t, "", src.Path())
	require.NoError(t, src.Remove())
	require.NoError(t, dst.Remove())
}

func TestStoreAssignIntoFreshDestinationInheritsPath(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.chunks")
	src, err := chunkstore.Create(srcPath, 2)
	require.NoError(t, err)

	var dst chunkstore.Store
	require.NoError(t, dst.Assign(src))
	require.Equal(t, srcPath, dst.Path())
	require.NoError(t, dst.Remove())
}
