package audio

import (
	"errors"
	"io"
	"os"

	"github.com/loqalabs/loqa-speech/internal/stream"
)

var (
	ErrVersionMismatch = errors.New("framed stream version mismatch")
	ErrMissingHeader   = errors.New("framed stream closed before header")
)

// Buffer is one pull from a Source: either audio bytes or an event.
type Buffer struct {
	Audio []byte
	Event *stream.Event
}

// Source yields the audio of one utterance. Start and Next may block; Close
// may be called from another goroutine to unblock them.
type Source interface {
	Start() error
	Next() (Buffer, error)
	Close() error
}

const rawReadSize = 4096

// RawSource reads bare PCM from a pipe.
type RawSource struct {
	r   io.ReadCloser
	buf []byte
}

func NewRawSource(r io.ReadCloser) *RawSource {
	return &RawSource{r: r, buf: make([]byte, rawReadSize)}
}

func (s *RawSource) Start() error { return nil }

func (s *RawSource) Next() (Buffer, error) {
	n, err := s.r.Read(s.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		return Buffer{Audio: out}, nil
	}
	if err == nil {
		return Buffer{}, nil
	}
	return Buffer{}, endOfStream(err)
}

func (s *RawSource) Close() error { return s.r.Close() }

// FramedSource reads the chunked audio and event protocol.
type FramedSource struct {
	rd *stream.Reader
}

func NewFramedSource(r io.ReadCloser) *FramedSource {
	return &FramedSource{rd: stream.NewReader(r)}
}

func (s *FramedSource) Start() error {
	ok, err := s.rd.ConsumeHeader()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ErrMissingHeader
		}
		return endOfStream(err)
	}
	if !ok {
		return ErrVersionMismatch
	}
	return nil
}

func (s *FramedSource) Next() (Buffer, error) {
	kind, err := s.rd.Peek()
	if err != nil {
		return Buffer{}, endOfStream(err)
	}
	switch kind {
	case stream.ChunkAudio:
		data, _, err := s.rd.NextAudio()
		if err != nil {
			return Buffer{}, endOfStream(err)
		}
		return Buffer{Audio: data}, nil
	case stream.ChunkEvent:
		ev, _, err := s.rd.NextEvent()
		if err != nil {
			return Buffer{}, endOfStream(err)
		}
		return Buffer{Event: &ev}, nil
	default:
		// A chunk that is neither audio nor event ends the stream.
		return Buffer{}, io.EOF
	}
}

func (s *FramedSource) Close() error { return s.rd.Close() }

// endOfStream folds a closed pipe into io.EOF; the pipeline has already
// been stopped when that happens.
func endOfStream(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return io.EOF
	}
	return err
}
