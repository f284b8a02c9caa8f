// Package audio implements the per-speaker playback graph: a source, a
// frame parser, a gain stage and a sink, plus the format descriptors voices
// advertise.
package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/stream"
)

// State is the playback state of a Pipeline.
type State int

const (
	StateNull State = iota
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

type MessageKind int

const (
	// MessageStateChanged reports the pipeline settling in State.
	MessageStateChanged MessageKind = iota
	// MessageEvent carries a progress event read from the source.
	MessageEvent
	// MessageEOS reports that the source is exhausted and the sink drained.
	MessageEOS
	// MessageError reports a source or sink failure.
	MessageError
)

// Message is posted for every observable change of a linked source. Link
// identifies which Link call it belongs to so stale messages can be dropped.
type Message struct {
	Link  uint64
	Kind  MessageKind
	State State
	Event stream.Event
	Err   error
	// Bytes is the amount of audio that reached the sink, set on EOS.
	Bytes int64
}

// Pipeline moves one source at a time into a sink. The source is pulled on
// a dedicated goroutine; every observable change is handed to post, which
// must not block.
type Pipeline struct {
	sink Sink
	post func(Message)
	log  *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	link      uint64
	src       Source
	format    Format
	gain      *Gain
	target    State
	current   State
	prerolled bool
	running   bool
	stopping  bool
	done      chan struct{}
}

func NewPipeline(sink Sink, post func(Message), log *slog.Logger) *Pipeline {
	p := &Pipeline{
		sink: sink,
		post: post,
		log:  log.With(slog.String("component", "pipeline")),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pipeline) Sink() Sink { return p.sink }

// Link makes src the active source and returns its link id. A previously
// linked source must have been released with Stop.
func (p *Pipeline) Link(src Source, format Format, gain *Gain) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.src != nil {
		panic("audio: pipeline already linked")
	}
	p.link++
	p.src = src
	p.format = format
	p.gain = gain
	p.target = StateNull
	p.current = StateNull
	p.prerolled = false
	p.running = false
	p.stopping = false
	return p.link
}

// Linked reports whether a source is attached.
func (p *Pipeline) Linked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.src != nil
}

// Play starts or resumes playback. Playing is reported once the first
// frames reach the sink.
func (p *Pipeline) Play() { p.setTarget(StatePlaying) }

// Pause pauses playback. A pipeline that has not produced audio yet
// prerolls first and then reports Paused.
func (p *Pipeline) Pause() { p.setTarget(StatePaused) }

func (p *Pipeline) setTarget(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.src == nil || p.stopping || p.target == s {
		return
	}
	p.target = s
	if !p.running {
		p.running = true
		p.done = make(chan struct{})
		go p.pump(p.link, p.src, p.format, p.gain, p.done)
		return
	}
	if !p.prerolled || p.current == s {
		return
	}
	var err error
	if s == StatePlaying {
		err = p.sink.Resume()
	} else {
		err = p.sink.Pause()
	}
	if err != nil {
		p.log.Warn("sink state change failed", slog.String("state", s.String()), slog.String("error", err.Error()))
	}
	p.current = s
	p.emitLocked(p.link, Message{Kind: MessageStateChanged, State: s})
	p.cond.Broadcast()
}

// Stop releases the linked source and returns the pipeline to Null. No
// message for the released link is posted after Stop returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.src == nil {
		p.mu.Unlock()
		return
	}
	src, running, prerolled, done := p.src, p.running, p.prerolled, p.done
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	if err := src.Close(); err != nil {
		p.log.Debug("close source", slog.String("error", err.Error()))
	}
	if prerolled {
		if err := p.sink.Stop(); err != nil {
			p.log.Warn("stop sink", slog.String("error", err.Error()))
		}
	}
	if running {
		<-done
	}

	p.mu.Lock()
	p.src = nil
	p.gain = nil
	p.running = false
	p.prerolled = false
	p.target = StateNull
	p.current = StateNull
	p.mu.Unlock()
}

func (p *Pipeline) pump(link uint64, src Source, format Format, gain *Gain, done chan struct{}) {
	defer close(done)

	if err := src.Start(); err != nil {
		p.emit(link, Message{Kind: MessageError, Err: err})
		return
	}

	parser := NewFrameParser(format)
	var played int64
	for {
		buf, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.emit(link, Message{Kind: MessageError, Err: err})
				return
			}
			if played > 0 {
				if err := p.sink.Drain(); err != nil {
					p.emit(link, Message{Kind: MessageError, Err: err})
					return
				}
			}
			p.emit(link, Message{Kind: MessageEOS, Bytes: played})
			return
		}
		if buf.Event != nil {
			p.emit(link, Message{Kind: MessageEvent, Event: *buf.Event})
			continue
		}
		frames := parser.Push(buf.Audio)
		if len(frames) == 0 {
			continue
		}
		gain.Apply(frames, format.Sample)

		ok, err := p.waitPlayable(link, format)
		if err != nil {
			p.emit(link, Message{Kind: MessageError, Err: err})
			return
		}
		if !ok {
			return
		}
		if _, err := p.sink.Write(frames); err != nil {
			p.emit(link, Message{Kind: MessageError, Err: err})
			return
		}
		played += int64(len(frames))
	}
}

// waitPlayable prerolls on the first frames and blocks while paused. It
// reports false once the pipeline is stopping.
func (p *Pipeline) waitPlayable(link uint64, format Format) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping || p.link != link {
		return false, nil
	}
	if !p.prerolled {
		if err := p.sink.Open(format); err != nil {
			return false, err
		}
		p.prerolled = true
		p.current = p.target
		if p.current == StatePaused {
			if err := p.sink.Pause(); err != nil {
				p.log.Warn("pause sink", slog.String("error", err.Error()))
			}
		}
		p.emitLocked(link, Message{Kind: MessageStateChanged, State: p.current})
	}
	for p.current == StatePaused && !p.stopping {
		p.cond.Wait()
	}
	return !p.stopping, nil
}

func (p *Pipeline) emit(link uint64, m Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(link, m)
}

func (p *Pipeline) emitLocked(link uint64, m Message) {
	if p.stopping || p.link != link {
		return
	}
	m.Link = link
	p.post(m)
}
