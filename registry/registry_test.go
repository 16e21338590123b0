package registry_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Blockstream/bitcoinfibre/chunkstore"
	"github.com/Blockstream/bitcoinfibre/codecpool"
	"github.com/Blockstream/bitcoinfibre/fec"
	"github.com/Blockstream/bitcoinfibre/registry"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := registry.New(codecpool.New(2, 1024))
	key := registry.Key{PeerIP: netip.MustParseAddr("127.0.0.1"), PeerPort: 9000, HashPrefix: 42}
	a := r.GetOrCreate(key)
	b := r.GetOrCreate(key)
	require.Same(t, a, b)
	require.Equal(t, 1, r.Len())
}

func TestInitHeaderAndBodyAreIndependent(t *testing.T) {
	dir := t.TempDir()
	fec.StoreDir = dir
	r := registry.New(codecpool.New(2, 1024))
	key := registry.Key{PeerIP: netip.MustParseAddr("10.0.0.1"), PeerPort: 1234, HashPrefix: 7}
	block := r.GetOrCreate(key)

	require.NoError(t, block.InitHeader(500, codecpool.New(1, 1024)))
	require.NoError(t, block.InitBody(5000, codecpool.New(1, 1024)))
	require.NotNil(t, block.Header())
	require.NotNil(t, block.Body())
	require.False(t, block.Ready())
}

func TestScanAndRecoverReattachesSurvivor(t *testing.T) {
	dir := t.TempDir()
	fec.StoreDir = dir

	l := 10 * fec.ChunkSize
	objectID := chunkstore.FormatFilename(chunkstore.ParsedFilename{
		PeerIP: netip.MustParseAddr("172.16.235.1"), PeerPort: 8080, HashPrefix: 1234,
		IsHeader: false, Length: l,
	})
	pool := codecpool.New(2, 1024)
	dec, err := fec.NewDecoder(l, fec.MmapBacked, objectID, pool)
	require.NoError(t, err)
	path := dec.StorePath()
	require.Equal(t, filepath.Join(dir, objectID), path)
	// Simulate a crash: the decoder is never closed, so its chunk file
	// survives for the registry's startup scan to find (§8 scenario 4).
	require.FileExists(t, path)

	r := registry.New(pool)
	require.NoError(t, r.ScanAndRecover(dir))
	require.Equal(t, 1, r.Len())

	key := registry.Key{PeerIP: netip.MustParseAddr("172.16.235.1"), PeerPort: 8080, HashPrefix: 1234}
	block, ok := r.Get(key)
	require.True(t, ok)
	require.NotNil(t, block.Body())
	require.Nil(t, block.Header())
}

func TestScanAndRecoverDeletesUnrecognizedFiles(t *testing.T) {
	dir := t.TempDir()
	junkPath := filepath.Join(dir, "not-a-valid-name")
	require.NoError(t, os.WriteFile(junkPath, []byte("junk"), 0o644))

	r := registry.New(codecpool.New(1, 1024))
	require.NoError(t, r.ScanAndRecover(dir))
	require.NoFileExists(t, junkPath)
	require.Equal(t, 0, r.Len())
}

func TestScanAndRecoverOnMissingDirIsNoOp(t *testing.T) {
	r := registry.New(codecpool.New(1, 1024))
	require.NoError(t, r.ScanAndRecover(filepath.Join(t.TempDir(), "does-not-exist")))
	require.Equal(t, 0, r.Len())
}

func TestEvictIdleRemovesStaleBlocks(t *testing.T) {
	dir := t.TempDir()
	fec.StoreDir = dir
	r := registry.New(codecpool.New(1, 1024), registry.WithIdleTimeout(10*time.Millisecond))
	key := registry.Key{PeerIP: netip.MustParseAddr("127.0.0.1"), PeerPort: 1, HashPrefix: 1}
	r.GetOrCreate(key)

	time.Sleep(20 * time.Millisecond)
	evicted := r.EvictIdle()
	require.Equal(t, []registry.Key{key}, evicted)
	require.Equal(t, 0, r.Len())
}

func TestRemoveClosesBlock(t *testing.T) {
	dir := t.TempDir()
	fec.StoreDir = dir
	r := registry.New(codecpool.New(1, 1024))
	key := registry.Key{PeerIP: netip.MustParseAddr("127.0.0.1"), PeerPort: 1, HashPrefix: 1}
	block := r.GetOrCreate(key)
	require.NoError(t, block.InitHeader(500, codecpool.New(1, 1024)))

	r.Remove(key)
	_, ok := r.Get(key)
	require.False(t, ok)
}
