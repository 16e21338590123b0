package fec

import "errors"

// Sentinel errors returned by the encoder and decoder. Callers should use
// errors.Is against these rather than matching on string content.
var (
	// ErrOutOfRange is returned by FecEncoder.Build when the requested
	// slot index is outside the encoder's output capacity.
	ErrOutOfRange = errors.New("fec: slot index out of range")
	// ErrInvalidChunkID is returned by FecDecoder.Provide when a chunk id
	// exceeds the coding mode's id space.
	ErrInvalidChunkID = errors.New("fec: chunk id out of range for coding mode")
	// ErrNotReady is returned by TakeDecoded and PeekChunk when the
	// decoder has not reached the Decodable state.
	ErrNotReady = errors.New("fec: decoder is not in the decodable state")
	// ErrDecodeFailed is returned once a decoder has entered the terminal
	// Failed state; it stays in that state on every subsequent call.
	ErrDecodeFailed = errors.New("fec: decode failed")
	// ErrAlreadyConsumed is returned by TakeDecoded on a second call.
	ErrAlreadyConsumed = errors.New("fec: object already consumed")
)
