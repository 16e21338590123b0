// Package registry implements the PartialBlock/PartialBlockRegistry pair
// described in §3, §4.4, and §6: the decoder state for one in-flight
// block's header and body, keyed by peer and content hash prefix, and
// the on-disk recovery scan that reattaches survivors after a restart.
package registry

import (
	"net/netip"
	"sync"
	"time"

	"github.com/Blockstream/bitcoinfibre/chunkstore"
	"github.com/Blockstream/bitcoinfibre/codecpool"
	"github.com/Blockstream/bitcoinfibre/fec"
)

// Key identifies one partial block: the peer it is arriving from and the
// content hash prefix it carries.
type Key struct {
	PeerIP     netip.Addr
	PeerPort   uint16
	HashPrefix uint64
}

// PartialBlock holds the header and body decoders for one in-flight
// block. Either half may be uninitialized until its length is learned
// from the first chunk of that kind.
type PartialBlock struct {
	mu sync.Mutex

	key Key

	header            *fec.FecDecoder
	headerInitialized bool

	body            *fec.FecDecoder
	bodyInitialized bool

	lastActivity time.Time
}

// Key returns the block's peer/hash-prefix identity.
func (p *PartialBlock) Key() Key {
	return p.key
}

// InitHeader constructs the header decoder for an object of l bytes, if
// not already initialized. Later calls with a different length are
// ignored once initialized, matching the first-chunk-wins rule for
// objects whose length is otherwise unsignalled.
func (p *PartialBlock) InitHeader(l int, pool *codecpool.Pool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.headerInitialized {
		return nil
	}
	objectID := chunkstore.FormatFilename(chunkstore.ParsedFilename{
		PeerIP: p.key.PeerIP, PeerPort: p.key.PeerPort, HashPrefix: p.key.HashPrefix,
		IsHeader: true, Length: l,
	})
	dec, err := fec.NewDecoder(l, fec.MmapBacked, objectID, pool)
	if err != nil {
		return err
	}
	p.header = dec
	p.headerInitialized = true
	p.lastActivity = time.Now()
	return nil
}

// InitBody constructs the body decoder for an object of l bytes, if not
// already initialized.
func (p *PartialBlock) InitBody(l int, pool *codecpool.Pool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bodyInitialized {
		return nil
	}
	objectID := chunkstore.FormatFilename(chunkstore.ParsedFilename{
		PeerIP: p.key.PeerIP, PeerPort: p.key.PeerPort, HashPrefix: p.key.HashPrefix,
		IsHeader: false, Length: l,
	})
	dec, err := fec.NewDecoder(l, fec.MmapBacked, objectID, pool)
	if err != nil {
		return err
	}
	p.body = dec
	p.bodyInitialized = true
	p.lastActivity = time.Now()
	return nil
}

// attachHeader installs an already-constructed decoder (a recovery-scan
// survivor) as the header half, bypassing InitHeader's first-chunk-wins
// length derivation.
func (p *PartialBlock) attachHeader(dec *fec.FecDecoder) {
	p.mu.Lock()
	p.header = dec
	p.headerInitialized = true
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// attachBody installs an already-constructed decoder as the body half.
func (p *PartialBlock) attachBody(dec *fec.FecDecoder) {
	p.mu.Lock()
	p.body = dec
	p.bodyInitialized = true
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// ProvideHeader lazily initializes the header decoder (sized from
// chunkCount, the wire's ObjChunkCount field) and feeds it chunk.
func (p *PartialBlock) ProvideHeader(chunk []byte, chunkID uint32, chunkCount int, pool *codecpool.Pool) (fec.ProvideResult, error) {
	if err := p.InitHeader(chunkCount*fec.ChunkSize, pool); err != nil {
		return 0, err
	}
	p.Touch()
	return p.Header().Provide(chunk, chunkID)
}

// ProvideBody lazily initializes the body decoder and feeds it chunk.
func (p *PartialBlock) ProvideBody(chunk []byte, chunkID uint32, chunkCount int, pool *codecpool.Pool) (fec.ProvideResult, error) {
	if err := p.InitBody(chunkCount*fec.ChunkSize, pool); err != nil {
		return 0, err
	}
	p.Touch()
	return p.Body().Provide(chunk, chunkID)
}

// Header returns the header decoder, or nil if not yet initialized.
func (p *PartialBlock) Header() *fec.FecDecoder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

// Body returns the body decoder, or nil if not yet initialized.
func (p *PartialBlock) Body() *fec.FecDecoder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.body
}

// Touch refreshes the block's last-activity timestamp, used by the
// registry's idle eviction sweep.
func (p *PartialBlock) Touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

// IdleSince reports how long it has been since the block last received a
// chunk.
func (p *PartialBlock) IdleSince() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastActivity)
}

// Ready reports whether both halves that have been initialized are
// decodable (an object with no body, such as a header-only relay, counts
// the body half as trivially ready).
func (p *PartialBlock) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	headerReady := !p.headerInitialized || p.header.IsReady()
	bodyReady := !p.bodyInitialized || p.body.IsReady()
	return headerReady && bodyReady
}

// Close releases both decoders' backing chunk files.
func (p *PartialBlock) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.header != nil {
		if err := p.header.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.body != nil {
		if err := p.body.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
