// Package stream implements the framed audio and event stream that speech
// providers write into the pipe handed to them for each utterance.
//
// A stream is a 4-byte ASCII version header followed by chunks. Every chunk
// starts with a one byte kind. Audio chunks carry a little-endian uint32
// size and that many bytes of PCM. Event chunks carry the event type, the
// text range and an optional mark name.
package stream

import (
	"errors"
	"fmt"
)

// Version is the header every framed stream starts with.
const Version = "0.01"

// Limits guarding against corrupt or hostile size fields.
const (
	MaxAudioChunk = 16 << 20
	MaxMarkName   = 64 << 10
)

// ChunkKind identifies the body that follows a chunk's kind byte.
type ChunkKind uint8

const (
	ChunkNone  ChunkKind = 0
	ChunkAudio ChunkKind = 1
	ChunkEvent ChunkKind = 2
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkNone:
		return "none"
	case ChunkAudio:
		return "audio"
	case ChunkEvent:
		return "event"
	default:
		return fmt.Sprintf("chunk(%d)", uint8(k))
	}
}

// EventType classifies a progress event.
type EventType uint8

const (
	EventNone EventType = iota
	EventWord
	EventSentence
	EventRange
	EventMark
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventWord:
		return "word"
	case EventSentence:
		return "sentence"
	case EventRange:
		return "range"
	case EventMark:
		return "mark"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is a progress event carried in the stream. RangeStart and RangeEnd
// index into the utterance text; Mark is only set for EventMark.
type Event struct {
	Type       EventType
	RangeStart uint32
	RangeEnd   uint32
	Mark       string
}

// eventHeaderSize is type(1) + range_start(4) + range_end(4) + mark_len(4).
const eventHeaderSize = 13

var (
	ErrHeaderConsumed    = errors.New("stream: header already consumed")
	ErrHeaderNotConsumed = errors.New("stream: header not consumed")
	ErrHeaderWritten     = errors.New("stream: header already written")
	ErrHeaderNotWritten  = errors.New("stream: header not written")
	ErrChunkTooLarge     = errors.New("stream: chunk exceeds size limit")
)
