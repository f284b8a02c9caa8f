package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Reader pulls chunks from a framed stream. It is not safe for concurrent
// use except for Close, which may be called from any goroutine to unblock a
// pending read.
type Reader struct {
	r      io.Reader
	closer io.Closer

	headerDone bool
	peeked     ChunkKind
	hasPeek    bool
	err        error

	closeOnce sync.Once
	closeErr  error
}

// NewReader wraps r. If r is also an io.Closer, Close releases it.
func NewReader(r io.Reader) *Reader {
	rd := &Reader{r: r}
	if c, ok := r.(io.Closer); ok {
		rd.closer = c
	}
	return rd
}

// ConsumeHeader reads the version header and reports whether it matches
// Version. The header is marked consumed even when the read fails.
func (r *Reader) ConsumeHeader() (bool, error) {
	if r.headerDone {
		return false, ErrHeaderConsumed
	}
	r.headerDone = true

	var buf [len(Version)]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		r.fail(err)
		return false, fmt.Errorf("read stream header: %w", r.err)
	}
	return string(buf[:]) == Version, nil
}

// Peek returns the kind of the next chunk without consuming its body.
// It returns io.EOF once the writer has closed its end.
func (r *Reader) Peek() (ChunkKind, error) {
	if !r.headerDone {
		return ChunkNone, ErrHeaderNotConsumed
	}
	if r.err != nil {
		return ChunkNone, r.err
	}
	if r.hasPeek {
		return r.peeked, nil
	}
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail(err)
		return ChunkNone, r.err
	}
	r.peeked = ChunkKind(b[0])
	r.hasPeek = true
	return r.peeked, nil
}

// NextAudio returns the payload of the next chunk if it is an audio chunk.
// Otherwise the chunk kind stays peeked and ok is false.
func (r *Reader) NextAudio() (data []byte, ok bool, err error) {
	kind, err := r.Peek()
	if err != nil || kind != ChunkAudio {
		return nil, false, err
	}
	r.hasPeek = false

	var sizeBuf [4]byte
	if _, err := io.ReadFull(r.r, sizeBuf[:]); err != nil {
		r.fail(err)
		return nil, false, r.err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size > MaxAudioChunk {
		r.err = ErrChunkTooLarge
		return nil, false, r.err
	}
	data = make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		r.fail(err)
		return nil, false, r.err
	}
	return data, true, nil
}

// NextEvent returns the next chunk if it is an event chunk. Otherwise the
// chunk kind stays peeked and ok is false.
func (r *Reader) NextEvent() (ev Event, ok bool, err error) {
	kind, err := r.Peek()
	if err != nil || kind != ChunkEvent {
		return Event{}, false, err
	}
	r.hasPeek = false

	var hdr [eventHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		r.fail(err)
		return Event{}, false, r.err
	}
	ev.Type = EventType(hdr[0])
	ev.RangeStart = binary.LittleEndian.Uint32(hdr[1:5])
	ev.RangeEnd = binary.LittleEndian.Uint32(hdr[5:9])
	markLen := binary.LittleEndian.Uint32(hdr[9:13])
	if markLen > MaxMarkName {
		r.err = ErrChunkTooLarge
		return Event{}, false, r.err
	}
	if markLen > 0 {
		mark := make([]byte, markLen)
		if _, err := io.ReadFull(r.r, mark); err != nil {
			r.fail(err)
			return Event{}, false, r.err
		}
		ev.Mark = string(mark)
	}
	return ev, true, nil
}

// Close releases the underlying reader. It is idempotent.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		if r.closer != nil {
			r.closeErr = r.closer.Close()
		}
	})
	return r.closeErr
}

// fail latches a read error. A short read anywhere is end of stream.
func (r *Reader) fail(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		r.err = io.EOF
		return
	}
	r.err = err
}
