package chunkstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ChunkIDSize is the width, in bytes, of the little-endian 24-bit chunk id
// stored alongside each chunk (§4.4, §9 endian note).
const ChunkIDSize = 3

// ChunkSize is the fixed payload size of one slot, matching fec.ChunkSize.
// Duplicated here (rather than importing package fec) to keep chunkstore
// free of a dependency on the coding layer; the two constants must agree.
const ChunkSize = 1152

// slotStride is the number of bytes one slot takes in the file (its chunk
// plus its chunk id), used to size the file.
const slotStride = ChunkSize + ChunkIDSize

// Store is a memory-mapped file holding up to Capacity received chunks
// plus a per-slot 24-bit chunk-id tag, per §4.4. The file layout is
// Capacity*ChunkSize data bytes followed by Capacity*ChunkIDSize id bytes;
// slot i's data lives at data[i*ChunkSize:(i+1)*ChunkSize] and its id at
// ids[i*ChunkIDSize:(i+1)*ChunkIDSize].
//
// A Store is movable via Assign and not copyable: copying the struct by
// value would alias the same mapping from two owners.
type Store struct {
	path     string
	capacity int
	file     *os.File
	mapping  []byte
}

// ErrInvalidSlot is panicked (not returned) by Chunk and ChunkID on an
// out-of-range slot index, matching the source's bounds-checked panic
// semantics named in §4.4.
type ErrInvalidSlot struct {
	Slot     int
	Capacity int
}

func (e ErrInvalidSlot) Error() string {
	return fmt.Sprintf("chunkstore: slot %d out of range [0,%d)", e.Slot, e.Capacity)
}

// Create opens or creates a file at path sized for capacity slots and
// memory-maps it RW|SHARED. If the file already exists, it is truncated
// to the correct size before mapping.
func Create(path string, capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("chunkstore: capacity must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open %s: %w", path, err)
	}
	size := int64(capacity) * int64(slotStride)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkstore: truncate %s: %w", path, err)
	}
	return mapOpenFile(path, capacity, f)
}

// Open maps an existing file as-is, without truncating it. The caller is
// responsible for knowing the file's capacity (derived from the filename
// convention's length field in the partial-block recovery path).
func Open(path string, capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("chunkstore: capacity must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open %s: %w", path, err)
	}
	return mapOpenFile(path, capacity, f)
}

func mapOpenFile(path string, capacity int, f *os.File) (*Store, error) {
	size := capacity * slotStride
	mapping, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkstore: mmap %s: %w", path, err)
	}
	return &Store{
		path:     path,
		capacity: capacity,
		file:     f,
		mapping:  mapping,
	}, nil
}

// Path returns the backing file path, or "" for a moved-from or unbacked
// store.
func (s *Store) Path() string { return s.path }

// Capacity returns the number of slots.
func (s *Store) Capacity() int { return s.capacity }

func (s *Store) dataOffset(slot int) int { return slot * ChunkSize }
func (s *Store) idOffset(slot int) int   { return s.capacity*ChunkSize + slot*ChunkIDSize }

// Insert copies ChunkSize bytes into slot's data region and writes the
// 24-bit little-endian chunk id into slot's id region.
func (s *Store) Insert(slot int, data []byte, chunkID uint32) {
	s.checkSlot(slot)
	off := s.dataOffset(slot)
	copy(s.mapping[off:off+ChunkSize], data)
	idOff := s.idOffset(slot)
	s.mapping[idOff] = byte(chunkID)
	s.mapping[idOff+1] = byte(chunkID >> 8)
	s.mapping[idOff+2] = byte(chunkID >> 16)
}

// Chunk returns the ChunkSize-byte slice for slot, backed directly by the
// mapping (callers must not retain it past the store's lifetime).
func (s *Store) Chunk(slot int) []byte {
	s.checkSlot(slot)
	off := s.dataOffset(slot)
	return s.mapping[off : off+ChunkSize]
}

// ChunkID returns the 24-bit chunk id stored for slot.
func (s *Store) ChunkID(slot int) uint32 {
	s.checkSlot(slot)
	off := s.idOffset(slot)
	return uint32(s.mapping[off]) | uint32(s.mapping[off+1])<<8 | uint32(s.mapping[off+2])<<16
}

func (s *Store) checkSlot(slot int) {
	if slot < 0 || slot >= s.capacity {
		panic(ErrInvalidSlot{Slot: slot, Capacity: s.capacity})
	}
}

// Close unmaps and closes the backing file without deleting it.
func (s *Store) Close() error {
	if s.mapping == nil {
		return nil
	}
	err := unix.Munmap(s.mapping)
	s.mapping = nil
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// Remove advises the OS to reclaim the backing storage, then unlinks the
// path. Idempotent: calling it twice, or on a moved-from store, is a
// no-op.
func (s *Store) Remove() error {
	if s.path == "" && s.mapping == nil {
		return nil
	}
	if s.mapping != nil {
		_ = unix.Madvise(s.mapping, unix.MADV_DONTNEED)
	}
	err := s.Close()
	if s.path != "" {
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
		s.path = ""
	}
	return err
}

// Assign makes dst take ownership of src's file descriptor and mapping,
// destroying dst's own store first. If dst previously owned a chunk file,
// src's file is renamed over dst's old path; otherwise dst simply inherits
// src's path. src becomes a moved-from store (a no-op destructor) after
// this call, per the move-assignment rule in §9.
func (dst *Store) Assign(src *Store) error {
	if dst == src {
		return nil
	}
	oldPath := dst.path
	hadOwnFile := oldPath != ""
	if err := dst.Remove(); err != nil {
		return fmt.Errorf("chunkstore: assign: destroying destination: %w", err)
	}
	dst.capacity = src.capacity
	dst.file = src.file
	dst.mapping = src.mapping
	if hadOwnFile && src.path != "" {
		if err := os.Rename(src.path, oldPath); err != nil {
			return fmt.Errorf("chunkstore: assign: rename %s -> %s: %w", src.path, oldPath, err)
		}
		dst.path = oldPath
	} else {
		dst.path = src.path
	}
	src.file = nil
	src.mapping = nil
	src.path = ""
	src.capacity = 0
	return nil
}
