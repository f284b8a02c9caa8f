package stream

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type closeCounter struct {
	io.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.WriteAudio([]byte("aaaa")))
	require.NoError(t, w.WriteEvent(Event{Type: EventWord, RangeStart: 0, RangeEnd: 5}))
	require.NoError(t, w.WriteAudio([]byte("bbbbbb")))

	r := NewReader(&buf)
	ok, err := r.ConsumeHeader()
	require.NoError(t, err)
	require.True(t, ok)

	_, got, err := r.NextEvent()
	require.NoError(t, err)
	assert.False(t, got, "event pulled while audio is next")

	audio, got, err := r.NextAudio()
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, []byte("aaaa"), audio)

	_, got, err = r.NextAudio()
	require.NoError(t, err)
	assert.False(t, got, "audio pulled while event is next")

	ev, got, err := r.NextEvent()
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, Event{Type: EventWord, RangeStart: 0, RangeEnd: 5}, ev)

	audio, got, err = r.NextAudio()
	require.NoError(t, err)
	require.True(t, got)
	assert.Equal(t, []byte("bbbbbb"), audio)

	_, got, err = r.NextAudio()
	assert.False(t, got)
	assert.ErrorIs(t, err, io.EOF)
	_, got, err = r.NextEvent()
	assert.False(t, got)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderVersionMismatch(t *testing.T) {
	r := NewReader(bytes.NewBufferString("0.02"))
	ok, err := r.ConsumeHeader()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.ConsumeHeader()
	assert.ErrorIs(t, err, ErrHeaderConsumed)
}

func TestReaderShortHeader(t *testing.T) {
	r := NewReader(bytes.NewBufferString("0."))
	ok, err := r.ConsumeHeader()
	assert.False(t, ok)
	assert.ErrorIs(t, err, io.EOF)

	_, err = r.Peek()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRequiresHeader(t *testing.T) {
	r := NewReader(bytes.NewBufferString(Version))
	_, _, err := r.NextAudio()
	assert.ErrorIs(t, err, ErrHeaderNotConsumed)
}

func TestReaderShortChunkIsEOF(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Version)
	buf.WriteByte(byte(ChunkAudio))
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], 10)
	buf.Write(size[:])
	buf.WriteString("abc")

	r := NewReader(&buf)
	ok, err := r.ConsumeHeader()
	require.NoError(t, err)
	require.True(t, ok)

	data, got, err := r.NextAudio()
	assert.Nil(t, data, "partial data must not surface")
	assert.False(t, got)
	assert.ErrorIs(t, err, io.EOF)

	_, got, err = r.NextEvent()
	assert.False(t, got)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderShortEventIsEOF(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Version)
	buf.Write([]byte{byte(ChunkEvent), byte(EventMark), 0, 0})

	r := NewReader(&buf)
	_, err := r.ConsumeHeader()
	require.NoError(t, err)
	_, got, err := r.NextEvent()
	assert.False(t, got)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsOversizedAudio(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Version)
	buf.WriteByte(byte(ChunkAudio))
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], MaxAudioChunk+1)
	buf.Write(size[:])

	r := NewReader(&buf)
	_, err := r.ConsumeHeader()
	require.NoError(t, err)
	_, _, err = r.NextAudio()
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestReaderMarkEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.WriteEvent(Event{Type: EventMark, RangeStart: 3, RangeEnd: 3, Mark: "chapitre-é"}))

	r := NewReader(&buf)
	_, err := r.ConsumeHeader()
	require.NoError(t, err)
	ev, ok, err := r.NextEvent()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "chapitre-é", ev.Mark)
	assert.Equal(t, EventMark, ev.Type)
}

func TestReaderKeepsPeekedZeroKind(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Version)
	buf.WriteByte(byte(ChunkNone))
	w := NewWriter(&buf)
	w.headerDone = true
	require.NoError(t, w.WriteAudio([]byte{0xaa, 0xbb}))

	r := NewReader(&buf)
	_, err := r.ConsumeHeader()
	require.NoError(t, err)

	for range 3 {
		data, got, err := r.NextAudio()
		require.NoError(t, err)
		assert.False(t, got)
		assert.Nil(t, data)

		_, got, err = r.NextEvent()
		require.NoError(t, err)
		assert.False(t, got)

		kind, err := r.Peek()
		require.NoError(t, err)
		assert.Equal(t, ChunkNone, kind)
	}
}

func TestReaderCloseIdempotent(t *testing.T) {
	src := &closeCounter{Reader: bytes.NewBufferString(Version)}
	r := NewReader(src)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, src.closes)
}

func TestWriterRequiresHeader(t *testing.T) {
	w := NewWriter(io.Discard)
	assert.ErrorIs(t, w.WriteAudio([]byte{1}), ErrHeaderNotWritten)
	assert.ErrorIs(t, w.WriteEvent(Event{Type: EventWord}), ErrHeaderNotWritten)
	require.NoError(t, w.WriteHeader())
	assert.ErrorIs(t, w.WriteHeader(), ErrHeaderWritten)
}

type chunk struct {
	audio []byte
	event *Event
}

func chunkGen() *rapid.Generator[chunk] {
	return rapid.Custom(func(t *rapid.T) chunk {
		if rapid.Bool().Draw(t, "is_audio") {
			return chunk{audio: rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "audio")}
		}
		ev := Event{
			Type:       EventType(rapid.IntRange(0, 4).Draw(t, "type")),
			RangeStart: rapid.Uint32().Draw(t, "start"),
			RangeEnd:   rapid.Uint32().Draw(t, "end"),
			Mark:       rapid.String().Draw(t, "mark"),
		}
		return chunk{event: &ev}
	})
}

func TestReaderRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chunks := rapid.SliceOfN(chunkGen(), 0, 32).Draw(t, "chunks")

		var buf bytes.Buffer
		w := NewWriter(&buf)
		require.NoError(t, w.WriteHeader())
		for _, c := range chunks {
			if c.event != nil {
				require.NoError(t, w.WriteEvent(*c.event))
			} else {
				require.NoError(t, w.WriteAudio(c.audio))
			}
		}

		r := NewReader(&buf)
		ok, err := r.ConsumeHeader()
		require.NoError(t, err)
		require.True(t, ok)
		for i, c := range chunks {
			if c.event != nil {
				ev, got, err := r.NextEvent()
				require.NoError(t, err)
				require.True(t, got, "chunk %d", i)
				require.Equal(t, *c.event, ev)
				continue
			}
			data, got, err := r.NextAudio()
			require.NoError(t, err)
			require.True(t, got, "chunk %d", i)
			require.Equal(t, c.audio, data)
		}
		_, err = r.Peek()
		require.ErrorIs(t, err, io.EOF)
	})
}
