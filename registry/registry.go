package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Blockstream/bitcoinfibre/chunkstore"
	"github.com/Blockstream/bitcoinfibre/codecpool"
	"github.com/Blockstream/bitcoinfibre/fec"
)

// defaultIdleTimeout is how long a PartialBlock may go without a new
// chunk before EvictIdle reclaims it.
const defaultIdleTimeout = 60 * time.Second

// PartialBlockRegistry is the process-scoped map from (peer, hash
// prefix) to in-flight block decoders, replacing the source's global
// PartialBlocks map per §9's "process-scoped context struct" note.
type PartialBlockRegistry struct {
	mu     sync.Mutex
	blocks map[Key]*PartialBlock

	pool        *codecpool.Pool
	logger      *slog.Logger
	idleTimeout time.Duration
}

// Option configures a PartialBlockRegistry at construction.
type Option func(*PartialBlockRegistry)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *PartialBlockRegistry) { r.logger = logger }
}

// WithIdleTimeout overrides the default inactivity eviction window.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *PartialBlockRegistry) { r.idleTimeout = d }
}

// New constructs an empty PartialBlockRegistry.
func New(pool *codecpool.Pool, opts ...Option) *PartialBlockRegistry {
	r := &PartialBlockRegistry{
		blocks:      make(map[Key]*PartialBlock),
		pool:        pool,
		logger:      slog.Default(),
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the PartialBlock for key, creating an empty one if
// none exists yet.
func (r *PartialBlockRegistry) GetOrCreate(key Key) *PartialBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.blocks[key]; ok {
		return p
	}
	p := &PartialBlock{key: key, lastActivity: time.Now()}
	r.blocks[key] = p
	return p
}

// Get returns the PartialBlock for key, if one exists.
func (r *PartialBlockRegistry) Get(key Key) (*PartialBlock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.blocks[key]
	return p, ok
}

// Remove closes and drops the PartialBlock for key.
func (r *PartialBlockRegistry) Remove(key Key) {
	r.mu.Lock()
	p, ok := r.blocks[key]
	delete(r.blocks, key)
	r.mu.Unlock()
	if ok {
		if err := p.Close(); err != nil {
			r.logger.Warn("registry: closing evicted partial block", "error", err)
		}
	}
}

// Len reports how many partial blocks are currently tracked.
func (r *PartialBlockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks)
}

// EvictIdle removes every PartialBlock that has not received a chunk
// within the registry's idle timeout, closing their decoders, per the
// LRU-on-inactivity rule in §4.4/§6.
func (r *PartialBlockRegistry) EvictIdle() []Key {
	r.mu.Lock()
	var staleKeys []Key
	var staleBlocks []*PartialBlock
	for key, p := range r.blocks {
		if p.IdleSince() >= r.idleTimeout {
			staleKeys = append(staleKeys, key)
			staleBlocks = append(staleBlocks, p)
		}
	}
	for _, key := range staleKeys {
		delete(r.blocks, key)
	}
	r.mu.Unlock()

	for _, p := range staleBlocks {
		if err := p.Close(); err != nil {
			r.logger.Warn("registry: closing idle partial block", "error", err)
		}
	}
	return staleKeys
}

// ScanAndRecover walks dir (the §4.4/§6 "partial_blocks/" convention),
// parsing every filename. Recoverable survivors are reattached to fresh
// PartialBlock entries via fec.Reopen; files that fail to parse are
// deleted, per §6's persisted-state recovery rule.
func (r *PartialBlockRegistry) ScanAndRecover(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		parsed, err := chunkstore.ParseFilename(name)
		if err != nil {
			r.logger.Warn("registry: deleting unrecognized partial-block file", "name", name, "error", err)
			if rmErr := os.Remove(filepath.Join(dir, name)); rmErr != nil {
				r.logger.Warn("registry: failed to delete unrecognized file", "name", name, "error", rmErr)
			}
			continue
		}
		path := filepath.Join(dir, name)
		dec, err := fec.Reopen(parsed.Length, path, r.pool)
		if err != nil {
			r.logger.Warn("registry: failed to reopen chunk store, deleting", "name", name, "error", err)
			_ = os.Remove(path)
			continue
		}
		key := Key{PeerIP: parsed.PeerIP, PeerPort: parsed.PeerPort, HashPrefix: parsed.HashPrefix}
		block := r.GetOrCreate(key)
		if parsed.IsHeader {
			block.attachHeader(dec)
		} else {
			block.attachBody(dec)
		}
		r.logger.Info("registry: recovered partial block", "peer_ip", parsed.PeerIP, "peer_port", parsed.PeerPort,
			"hash_prefix", parsed.HashPrefix, "is_header", parsed.IsHeader)
	}
	return nil
}
