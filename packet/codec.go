package packet

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/poly1305"
)

// Key derives the 32-byte Poly1305 key from a connection's 64-bit magic,
// per §4.9: the key is the magic replicated four times.
func Key(magic uint64) [32]byte {
	var key [32]byte
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], magic)
	for i := 0; i < 4; i++ {
		copy(key[i*8:(i+1)*8], buf[:])
	}
	return key
}

// Codec frames, authenticates, and parses datagrams for one connection,
// keyed by its per-connection magic.
type Codec struct {
	key [32]byte
}

// NewCodec constructs a Codec for the given per-connection magic.
func NewCodec(magic uint64) *Codec {
	return &Codec{key: Key(magic)}
}

// Encode serializes msg into a framed, authenticated datagram ready to
// hand to sendto. The body is XOR-scrambled with the tag's two halves
// (alternating 8-byte chunks) after the tag is computed, and the
// authenticator is prepended, per §4.9.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	body, err := encodeBody(msg)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxMessageSize {
		return nil, ErrTooLong
	}
	var tag [16]byte
	poly1305.Sum(&tag, body, &c.key)
	scramble(body, tag)
	out := make([]byte, AuthSize+len(body))
	copy(out, tag[:])
	copy(out[AuthSize:], body)
	return out, nil
}

// Decode verifies and parses a received datagram. Auth failures return
// ErrAuth; callers should drop such packets silently per §7.
func (c *Codec) Decode(datagram []byte) (Message, error) {
	if len(datagram) < AuthSize+TypeSize {
		return Message{}, ErrTooShort
	}
	var tag [16]byte
	copy(tag[:], datagram[:AuthSize])
	body := append([]byte(nil), datagram[AuthSize:]...)
	unscramble(body, tag)
	if !poly1305.Verify(&tag, body, &c.key) {
		return Message{}, ErrAuth
	}
	return decodeBody(body)
}

// scramble and unscramble are self-inverse: XORing the same 8-byte tag
// halves against 8-byte body chunks, alternating halves, undoes itself
// when run twice (§4.9).
func scramble(body []byte, tag [16]byte) {
	halves := [2][]byte{tag[:8], tag[8:]}
	for i := 0; i*8 < len(body); i++ {
		half := halves[i%2]
		start := i * 8
		end := start + 8
		if end > len(body) {
			end = len(body)
		}
		for j := start; j < end; j++ {
			body[j] ^= half[j-start]
		}
	}
}

func unscramble(body []byte, tag [16]byte) {
	scramble(body, tag) // XOR is its own inverse
}

func encodeBody(msg Message) ([]byte, error) {
	switch msg.Type {
	case TypeSyn:
		buf := make([]byte, TypeSize+8)
		buf[0] = byte(TypeSyn)
		binary.LittleEndian.PutUint64(buf[1:], msg.Syn)
		return buf, nil
	case TypeKeepalive, TypeDisconnect:
		return []byte{byte(msg.Type)}, nil
	case TypePing, TypePong:
		buf := make([]byte, TypeSize+8)
		buf[0] = byte(msg.Type)
		binary.LittleEndian.PutUint64(buf[1:], msg.Nonce)
		return buf, nil
	case TypeBlockHeader, TypeBlockContents, TypeTxContents:
		buf := make([]byte, contentHeaderSize+len(msg.Chunk))
		buf[0] = byte(msg.Type)
		binary.LittleEndian.PutUint64(buf[1:9], msg.Content.HashPrefix)
		put24(buf[9:12], msg.Content.ChunkID)
		put24(buf[12:15], msg.Content.ObjChunkCount)
		copy(buf[contentHeaderSize:], msg.Chunk)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedKind, msg.Type)
	}
}

func decodeBody(body []byte) (Message, error) {
	if len(body) < TypeSize {
		return Message{}, ErrTooShort
	}
	t := Type(body[0])
	switch t {
	case TypeSyn:
		if len(body) != TypeSize+8 {
			return Message{}, ErrBadSize
		}
		return Message{Type: t, Syn: binary.LittleEndian.Uint64(body[1:])}, nil
	case TypeKeepalive, TypeDisconnect:
		if len(body) != TypeSize {
			return Message{}, ErrBadSize
		}
		return Message{Type: t}, nil
	case TypePing, TypePong:
		if len(body) != TypeSize+8 {
			return Message{}, ErrBadSize
		}
		return Message{Type: t, Nonce: binary.LittleEndian.Uint64(body[1:])}, nil
	case TypeBlockHeader, TypeBlockContents, TypeTxContents:
		if len(body) < contentHeaderSize {
			return Message{}, ErrBadSize
		}
		msg := Message{
			Type: t,
			Content: ContentHeader{
				HashPrefix:    binary.LittleEndian.Uint64(body[1:9]),
				ChunkID:       get24(body[9:12]),
				ObjChunkCount: get24(body[12:15]),
			},
			Chunk: append([]byte(nil), body[contentHeaderSize:]...),
		}
		return msg, nil
	default:
		return Message{}, fmt.Errorf("%w: %v", ErrUnexpectedKind, t)
	}
}

func put24(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func get24(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}
