package stream

import (
	"encoding/binary"
	"io"
)

// Writer produces a framed stream. Each chunk is written with a single Write
// call so small chunks land atomically on a pipe.
type Writer struct {
	w          io.Writer
	headerDone bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteHeader() error {
	if w.headerDone {
		return ErrHeaderWritten
	}
	if _, err := io.WriteString(w.w, Version); err != nil {
		return err
	}
	w.headerDone = true
	return nil
}

func (w *Writer) WriteAudio(p []byte) error {
	if !w.headerDone {
		return ErrHeaderNotWritten
	}
	if len(p) > MaxAudioChunk {
		return ErrChunkTooLarge
	}
	buf := make([]byte, 5+len(p))
	buf[0] = byte(ChunkAudio)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(p)))
	copy(buf[5:], p)
	_, err := w.w.Write(buf)
	return err
}

// WriteEvent writes ev. The mark length is the byte length of the UTF-8
// encoded name.
func (w *Writer) WriteEvent(ev Event) error {
	if !w.headerDone {
		return ErrHeaderNotWritten
	}
	if len(ev.Mark) > MaxMarkName {
		return ErrChunkTooLarge
	}
	buf := make([]byte, 1+eventHeaderSize+len(ev.Mark))
	buf[0] = byte(ChunkEvent)
	buf[1] = byte(ev.Type)
	binary.LittleEndian.PutUint32(buf[2:6], ev.RangeStart)
	binary.LittleEndian.PutUint32(buf[6:10], ev.RangeEnd)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(len(ev.Mark)))
	copy(buf[14:], ev.Mark)
	_, err := w.w.Write(buf)
	return err
}
