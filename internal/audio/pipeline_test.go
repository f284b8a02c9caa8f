package audio

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-speech/internal/stream"
)

// scriptSource hands out queued buffers and blocks when the queue is empty
// until more are pushed, it is finished, or it is closed.
type scriptSource struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Buffer
	finished bool
	closed   bool
	startErr error
	failWith error
}

func newScriptSource(bufs ...Buffer) *scriptSource {
	s := &scriptSource{queue: bufs}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *scriptSource) push(b Buffer) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *scriptSource) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *scriptSource) Start() error { return s.startErr }

func (s *scriptSource) Next() (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.finished && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return Buffer{}, io.EOF
	}
	if len(s.queue) > 0 {
		b := s.queue[0]
		s.queue = s.queue[1:]
		return b, nil
	}
	if s.failWith != nil {
		return Buffer{}, s.failWith
	}
	return Buffer{}, io.EOF
}

func (s *scriptSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

type collector struct {
	ch chan Message
}

func newCollector() *collector { return &collector{ch: make(chan Message, 64)} }

func (c *collector) post(m Message) { c.ch <- m }

func (c *collector) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline message")
		return Message{}
	}
}

func (c *collector) none(t *testing.T) {
	t.Helper()
	select {
	case m := <-c.ch:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

var mono16 = Format{Sample: SampleS16LE, Rate: 8000, Channels: 1}

func TestPipelinePlaysToEOS(t *testing.T) {
	sink := NewDiscardSink()
	c := newCollector()
	p := NewPipeline(sink, c.post, newLogger())

	src := newScriptSource(
		Buffer{Event: &stream.Event{Type: stream.EventSentence, RangeStart: 0, RangeEnd: 5}},
		Buffer{Audio: []byte{1, 2, 3}},
		Buffer{Audio: []byte{4}},
	)
	src.finish()
	link := p.Link(src, mono16, NewGain(1))
	p.Play()

	ev := c.next(t)
	require.Equal(t, MessageEvent, ev.Kind)
	require.Equal(t, link, ev.Link)
	require.Equal(t, stream.EventSentence, ev.Event.Type)

	st := c.next(t)
	require.Equal(t, MessageStateChanged, st.Kind)
	require.Equal(t, StatePlaying, st.State)

	eos := c.next(t)
	require.Equal(t, MessageEOS, eos.Kind)
	require.Equal(t, int64(4), eos.Bytes)
	require.Equal(t, int64(4), sink.Written())
	require.Equal(t, 1, sink.Streams())

	p.Stop()
	require.False(t, p.Linked())
}

func TestPipelineEmptyStreamReportsZeroBytes(t *testing.T) {
	c := newCollector()
	p := NewPipeline(NewDiscardSink(), c.post, newLogger())
	src := newScriptSource()
	src.finish()
	p.Link(src, mono16, nil)
	p.Play()

	eos := c.next(t)
	require.Equal(t, MessageEOS, eos.Kind)
	require.Zero(t, eos.Bytes)
	p.Stop()
}

func TestPipelinePauseBeforeAudioPrerollsPaused(t *testing.T) {
	sink := NewDiscardSink()
	c := newCollector()
	p := NewPipeline(sink, c.post, newLogger())
	src := newScriptSource(Buffer{Audio: []byte{1, 2}})
	p.Link(src, mono16, nil)
	p.Pause()

	st := c.next(t)
	require.Equal(t, StatePaused, st.State)
	require.True(t, sink.Paused())
	require.Zero(t, sink.Written())

	p.Play()
	st = c.next(t)
	require.Equal(t, StatePlaying, st.State)

	src.finish()
	eos := c.next(t)
	require.Equal(t, MessageEOS, eos.Kind)
	require.Equal(t, int64(2), sink.Written())
	p.Stop()
}

func TestPipelinePauseResumeAfterPreroll(t *testing.T) {
	sink := NewDiscardSink()
	c := newCollector()
	p := NewPipeline(sink, c.post, newLogger())
	src := newScriptSource(Buffer{Audio: []byte{1, 2}})
	p.Link(src, mono16, nil)
	p.Play()
	require.Equal(t, StatePlaying, c.next(t).State)

	p.Pause()
	require.Equal(t, StatePaused, c.next(t).State)
	p.Pause()
	c.none(t)

	p.Play()
	require.Equal(t, StatePlaying, c.next(t).State)
	p.Stop()
}

func TestPipelineStopSilencesLink(t *testing.T) {
	c := newCollector()
	p := NewPipeline(NewDiscardSink(), c.post, newLogger())
	src := newScriptSource(Buffer{Audio: []byte{1, 2}})
	p.Link(src, mono16, nil)
	p.Play()
	require.Equal(t, StatePlaying, c.next(t).State)

	p.Stop()
	c.none(t)

	next := newScriptSource()
	next.finish()
	link := p.Link(next, mono16, nil)
	p.Play()
	eos := c.next(t)
	require.Equal(t, link, eos.Link)
	require.Equal(t, MessageEOS, eos.Kind)
	p.Stop()
}

func TestPipelineReportsSourceErrors(t *testing.T) {
	c := newCollector()
	p := NewPipeline(NewDiscardSink(), c.post, newLogger())

	src := newScriptSource()
	src.startErr = ErrMissingHeader
	p.Link(src, mono16, nil)
	p.Play()
	m := c.next(t)
	require.Equal(t, MessageError, m.Kind)
	require.ErrorIs(t, m.Err, ErrMissingHeader)
	p.Stop()

	boom := errors.New("boom")
	src = newScriptSource()
	src.failWith = boom
	src.finish()
	p.Link(src, mono16, nil)
	p.Play()
	m = c.next(t)
	require.Equal(t, MessageError, m.Kind)
	require.ErrorIs(t, m.Err, boom)
	p.Stop()
}

func TestPipelineAppliesGain(t *testing.T) {
	sink := &recordingSink{}
	c := newCollector()
	p := NewPipeline(sink, c.post, newLogger())
	src := newScriptSource(Buffer{Audio: []byte{100, 0}})
	src.finish()
	p.Link(src, mono16, NewGain(0.5))
	p.Play()
	require.Equal(t, StatePlaying, c.next(t).State)
	require.Equal(t, MessageEOS, c.next(t).Kind)
	require.Equal(t, []byte{50, 0}, sink.bytes())
	p.Stop()
}

type recordingSink struct {
	DiscardSink
	mu  sync.Mutex
	buf []byte
}

func (r *recordingSink) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.buf = append(r.buf, p...)
	r.mu.Unlock()
	return r.DiscardSink.Write(p)
}

func (r *recordingSink) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf...)
}
