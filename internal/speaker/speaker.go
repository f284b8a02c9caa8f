// Package speaker speaks utterances one after another through a provider
// and an audio pipeline, reporting progress as events.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/listmodel"
	"github.com/loqalabs/loqa-speech/internal/mainloop"
	"github.com/loqalabs/loqa-speech/internal/provider"
	"github.com/loqalabs/loqa-speech/internal/registry"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/stream"
)

// ErrClosed is returned by Speak after Close.
var ErrClosed = errors.New("speaker: closed")

// synthGrace is how long a stream that ended without audio waits for the
// synthesis reply before it is judged.
const synthGrace = 500 * time.Millisecond

type Options struct {
	// Sink receives the audio. When nil one is built with audio.NewSink
	// using the auto kind.
	Sink   audio.Sink
	Logger *slog.Logger
}

// entry is one queued utterance. It is only touched on the loop.
type entry struct {
	utt        *speech.Utterance
	params     speech.UtteranceParams
	voice      *speech.Voice
	providerID string

	src    audio.Source
	format audio.Format
	gain   *audio.Gain
	cancel context.CancelFunc
	link   uint64

	started   bool
	synthDone bool
	// hardErr ends the utterance as an error. diedErr only does when the
	// provider produced no audio.
	hardErr  error
	diedErr  error
	deferred []stream.Event

	ended bool
	bytes int64
	grace *time.Timer

	span trace.Span
}

func (e *entry) latched() error {
	if e.hardErr != nil {
		return e.hardErr
	}
	return e.diedErr
}

// Speaker owns a FIFO of utterances and the pipeline that plays the head
// of it. State lives on the registry's loop; the exported methods may be
// called from any goroutine, listeners run on the loop.
type Speaker struct {
	reg    *registry.Registry
	handle *registry.Handle
	loop   *mainloop.Loop
	pipe   *audio.Pipeline
	log    *slog.Logger

	tracer   trace.Tracer
	outcomes metric.Int64Counter

	ctx       context.Context
	cancelCtx context.CancelFunc
	unsubDied func()
	closeOnce sync.Once

	isClosed      atomic.Bool
	cancelPending atomic.Int32
	speakingFlag  atomic.Bool
	pausedFlag    atomic.Bool

	// Loop only.
	queue      []*entry
	wantPaused bool
	closed     bool

	listenMu  sync.Mutex
	listenSeq int
	listeners map[int]func(Event)
}

// New creates a speaker on reg. The registry must outlive it.
func New(reg *registry.Registry, opts Options) (*Speaker, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		var err error
		sink, err = audio.NewSink(audio.SinkOptions{Kind: audio.SinkAuto}, log)
		if err != nil {
			return nil, fmt.Errorf("create sink: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Speaker{
		reg:       reg,
		loop:      reg.Loop(),
		log:       log.With(slog.String("component", "speaker")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-speech/speaker"),
		ctx:       ctx,
		cancelCtx: cancel,
		listeners: make(map[int]func(Event)),
	}
	s.pipe = audio.NewPipeline(sink, s.post, log)

	outcomes, err := otel.Meter("github.com/loqalabs/loqa-speech/speaker").Int64Counter(
		"loqa.speech.utterances",
		metric.WithDescription("Utterances that reached a terminal signal, by outcome"))
	if err != nil {
		s.log.Warn("failed to create utterance counter", slog.String("error", err.Error()))
	}
	s.outcomes = outcomes

	s.unsubDied = reg.OnProviderDied(s.providerDied)
	return s, nil
}

// Open joins the process-wide registry, creating it with open when no
// speaker holds it yet, and builds a speaker on it. Close releases the
// registry.
func Open(ctx context.Context, open func(context.Context) (*registry.Registry, error), opts Options) (*Speaker, error) {
	h, err := registry.Shared(ctx, open)
	if err != nil {
		return nil, err
	}
	s, err := New(h.Registry(), opts)
	if err != nil {
		h.Release()
		return nil, err
	}
	s.handle = h
	return s, nil
}

// Close drops every queued utterance without signalling and stops
// playback. It must not be called from a listener.
func (s *Speaker) Close() {
	s.closeOnce.Do(func() {
		s.isClosed.Store(true)
		s.unsubDied()
		_ = s.loop.Invoke(context.Background(), func() {
			s.closed = true
			if len(s.queue) > 0 {
				s.pipe.Stop()
			}
			for _, e := range s.queue {
				s.release(e, "closed")
			}
			s.queue = nil
		})
		s.cancelCtx()
		if s.handle != nil {
			s.handle.Release()
		}
	})
}

func (s *Speaker) Registry() *registry.Registry { return s.reg }

func (s *Speaker) Voices() *listmodel.List[*speech.Voice] { return s.reg.Voices() }

func (s *Speaker) Providers() *listmodel.List[*provider.Provider] { return s.reg.Providers() }

func (s *Speaker) Sink() audio.Sink { return s.pipe.Sink() }

// Speaking reports whether any utterance is queued or playing.
func (s *Speaker) Speaking() bool { return s.speakingFlag.Load() }

// Paused reports whether playback has settled in the paused state.
func (s *Speaker) Paused() bool { return s.pausedFlag.Load() }

// Subscribe registers fn for every event. Listeners run on the loop in
// registration order and must not block. The returned func unregisters fn.
func (s *Speaker) Subscribe(fn func(Event)) func() {
	s.listenMu.Lock()
	s.listenSeq++
	id := s.listenSeq
	s.listeners[id] = fn
	s.listenMu.Unlock()
	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Speaker) emit(ev Event) {
	s.listenMu.Lock()
	ids := slices.Sorted(maps.Keys(s.listeners))
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Speak resolves a voice for u and queues it. A voice chosen here is set
// on u. Changes made to u afterwards do not affect this request.
func (s *Speaker) Speak(ctx context.Context, u *speech.Utterance) error {
	if s.isClosed.Load() {
		return ErrClosed
	}
	params := u.Params()
	voice, err := s.reg.VoiceFor(ctx, params.Voice, params.Language)
	if err != nil {
		s.log.Warn("no voice available", slog.String("utterance", u.ID()), slog.String("error", err.Error()))
		return err
	}
	if params.Voice == nil {
		u.SetVoice(voice)
		params.Voice = voice
	}
	prov := s.reg.ProviderForVoice(voice)
	if prov == nil {
		return speech.NewError(speech.CodeNoProviders, "provider %s of voice %s is gone", voice.ProviderID(), voice.Identifier())
	}

	e := &entry{
		utt:        u,
		params:     params,
		voice:      voice,
		providerID: prov.ID(),
		gain:       audio.NewGain(params.Volume),
	}
	var w *os.File
	out, err := audio.ParseOutputFormat(voice.OutputFormat())
	if err != nil {
		e.hardErr = speech.NewError(speech.CodeMisconfiguredVoice, "voice %s has output format %q", voice, voice.OutputFormat()).WithCause(err)
	} else {
		r, pw, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("open pipe: %w", err)
		}
		w = pw
		e.format = out.Format
		if out.Kind == audio.StreamFramed {
			e.src = audio.NewFramedSource(r)
		} else {
			e.src = audio.NewRawSource(r)
		}
	}

	if !s.loop.Post(func() { s.enqueue(e, prov, w) }) {
		if e.src != nil {
			_ = e.src.Close()
			_ = w.Close()
		}
		return ErrClosed
	}
	return nil
}

func (s *Speaker) enqueue(e *entry, prov *provider.Provider, w *os.File) {
	if s.closed {
		if e.src != nil {
			_ = e.src.Close()
			_ = w.Close()
		}
		return
	}

	_, e.span = s.tracer.Start(s.ctx, "speaker.utterance", trace.WithAttributes(
		attribute.String("utterance.id", e.utt.ID()),
		attribute.String("voice", e.voice.String()),
	))

	if w != nil {
		ctx, cancel := context.WithCancel(s.ctx)
		e.cancel = cancel
		req := e.params.Request(e.voice.Identifier())
		go func() {
			err := prov.Synthesize(ctx, w, req)
			s.loop.Post(func() { s.synthDone(e, err) })
		}()
	} else {
		e.synthDone = true
	}

	s.queue = append(s.queue, e)
	if len(s.queue) == 1 {
		s.setSpeaking(true)
		s.advance()
	}
}

// Pause pauses playback. With nothing queued the speaker just becomes
// paused and later utterances wait for Resume.
func (s *Speaker) Pause() { s.loop.Post(s.pause) }

// Resume undoes Pause.
func (s *Speaker) Resume() { s.loop.Post(s.resume) }

// Cancel stops the current utterance and drops the rest of the queue.
// Only the current utterance gets a terminal signal.
func (s *Speaker) Cancel() {
	s.cancelPending.Add(1)
	if !s.loop.Post(func() {
		defer s.cancelPending.Add(-1)
		s.cancel()
	}) {
		s.cancelPending.Add(-1)
	}
}

func (s *Speaker) pause() {
	if s.closed || s.wantPaused {
		return
	}
	s.wantPaused = true
	if len(s.queue) == 0 {
		s.setPaused(true)
		return
	}
	s.pipe.Pause()
}

func (s *Speaker) resume() {
	if s.closed || !s.wantPaused {
		return
	}
	s.wantPaused = false
	if len(s.queue) == 0 {
		s.setPaused(false)
		return
	}
	s.pipe.Play()
}

func (s *Speaker) cancel() {
	if s.closed || len(s.queue) == 0 {
		return
	}
	for _, e := range s.queue[1:] {
		s.release(e, "dropped")
	}
	s.queue = s.queue[:1]
	head := s.queue[0]
	if err := head.latched(); err != nil {
		s.finishHead(UtteranceError, err)
		return
	}
	s.finishHead(UtteranceCanceled, nil)
}

// advance links the head of the queue, or reports idle when the queue is
// empty. Heads that already failed are terminated on the way.
func (s *Speaker) advance() {
	for len(s.queue) > 0 {
		e := s.queue[0]
		if e.hardErr != nil {
			s.queue = s.queue[1:]
			s.terminate(e, UtteranceError, e.hardErr)
			continue
		}
		e.link = s.pipe.Link(e.src, e.format, e.gain)
		if s.wantPaused {
			s.pipe.Pause()
		} else {
			s.pipe.Play()
		}
		return
	}
	s.setSpeaking(false)
	if s.pausedFlag.Load() != s.wantPaused {
		s.setPaused(s.wantPaused)
	}
}

func (s *Speaker) finishHead(kind EventKind, err error) {
	e := s.queue[0]
	s.pipe.Stop()
	s.queue = s.queue[1:]
	s.terminate(e, kind, err)
	s.advance()
}

func (s *Speaker) terminate(e *entry, kind EventKind, err error) {
	s.release(e, kind.String())
	if err != nil {
		e.span.RecordError(err)
		e.span.SetStatus(codes.Error, err.Error())
		s.log.Warn("utterance failed", slog.String("utterance", e.utt.ID()), slog.String("voice", e.voice.String()), slog.String("error", err.Error()))
	}
	e.span.End()
	if s.outcomes != nil {
		s.outcomes.Add(s.ctx, 1, metric.WithAttributes(attribute.String("outcome", kind.String())))
	}
	s.emit(Event{Kind: kind, Utterance: e.utt, Err: err})
}

// release frees everything e holds. Entries that never reach terminate
// end their span here.
func (s *Speaker) release(e *entry, outcome string) {
	if e.cancel != nil {
		e.cancel()
	}
	if e.grace != nil {
		e.grace.Stop()
	}
	if e.src != nil {
		_ = e.src.Close()
	}
	if e.span != nil {
		e.span.SetAttributes(attribute.String("outcome", outcome))
		if outcome == "dropped" || outcome == "closed" {
			e.span.End()
		}
	}
}

func (s *Speaker) head() *entry {
	if len(s.queue) == 0 {
		return nil
	}
	return s.queue[0]
}

func (s *Speaker) setSpeaking(v bool) {
	s.speakingFlag.Store(v)
	s.emit(Event{Kind: SpeakingChanged, Speaking: v})
}

func (s *Speaker) setPaused(v bool) {
	s.pausedFlag.Store(v)
	s.emit(Event{Kind: PausedChanged, Paused: v})
}

// post is the pipeline's message callback; it runs under the pipeline
// lock and only hands the message to the loop.
func (s *Speaker) post(m audio.Message) {
	s.loop.Post(func() { s.handleMessage(m) })
}

func (s *Speaker) handleMessage(m audio.Message) {
	e := s.head()
	if s.closed || e == nil || m.Link != e.link {
		return
	}
	switch m.Kind {
	case audio.MessageStateChanged:
		s.stateChanged(e, m.State)
	case audio.MessageEvent:
		if e.started {
			s.progress(e, m.Event)
		} else {
			e.deferred = append(e.deferred, m.Event)
		}
	case audio.MessageEOS:
		if s.cancelPending.Load() > 0 {
			return
		}
		s.endOfStream(e, m.Bytes)
	case audio.MessageError:
		if s.cancelPending.Load() > 0 {
			return
		}
		s.streamFailed(e, m.Err)
	}
}

func (s *Speaker) stateChanged(e *entry, state audio.State) {
	switch state {
	case audio.StatePlaying:
		if s.pausedFlag.Load() {
			s.setPaused(false)
		}
		if e.started {
			return
		}
		e.started = true
		e.span.AddEvent("started")
		s.emit(Event{Kind: UtteranceStarted, Utterance: e.utt})
		deferred := e.deferred
		e.deferred = nil
		for _, ev := range deferred {
			s.progress(e, ev)
		}
	case audio.StatePaused:
		if !s.pausedFlag.Load() {
			s.setPaused(true)
		}
	}
}

func (s *Speaker) progress(e *entry, ev stream.Event) {
	out, ok := progressEvent(e.utt, ev)
	if !ok {
		s.log.Debug("ignoring event", slog.String("type", ev.Type.String()))
		return
	}
	s.emit(out)
}

// endOfStream judges a drained stream. One that ended without audio
// waits briefly for the synthesis reply, which may explain why.
func (s *Speaker) endOfStream(e *entry, bytes int64) {
	e.ended = true
	e.bytes = bytes
	if bytes == 0 && e.hardErr == nil && e.diedErr == nil && !e.synthDone {
		link := e.link
		e.grace = time.AfterFunc(synthGrace, func() {
			s.loop.Post(func() {
				if s.head() == e && e.link == link && !s.closed {
					s.settle(e)
				}
			})
		})
		return
	}
	s.settle(e)
}

func (s *Speaker) settle(e *entry) {
	switch {
	case e.hardErr != nil:
		s.finishHead(UtteranceError, e.hardErr)
	case e.bytes > 0:
		s.finishHead(UtteranceFinished, nil)
	case e.diedErr != nil:
		s.finishHead(UtteranceError, e.diedErr)
	default:
		s.finishHead(UtteranceError, speech.NewError(speech.CodeMisconfiguredVoice,
			"provider %s closed the stream for voice %s without audio", e.providerID, e.voice.Identifier()))
	}
}

func (s *Speaker) streamFailed(e *entry, err error) {
	switch {
	case errors.Is(err, audio.ErrMissingHeader):
		s.endOfStream(e, 0)
	case errors.Is(err, audio.ErrVersionMismatch):
		s.finishHead(UtteranceError, speech.NewError(speech.CodeMisconfiguredVoice,
			"voice %s does not speak the framed stream version %s", e.voice, stream.Version).WithCause(err))
	default:
		if e.hardErr == nil {
			e.hardErr = speech.NewError(speech.CodeInternalProviderFailure, "playing voice %s", e.voice).WithCause(err)
		}
		s.finishHead(UtteranceError, e.hardErr)
	}
}

func (s *Speaker) synthDone(e *entry, err error) {
	if s.closed || !slices.Contains(s.queue, e) {
		return
	}
	e.synthDone = true
	if err != nil {
		switch speech.CodeOf(err) {
		case speech.CodeProviderUnexpectedlyDied:
			if e.diedErr == nil {
				e.diedErr = err
			}
		case speech.CodeCancelled:
			return
		default:
			if e.hardErr == nil {
				e.hardErr = err
			}
		}
	}
	if s.head() != e {
		return
	}
	if e.ended {
		if e.grace != nil {
			e.grace.Stop()
		}
		s.settle(e)
		return
	}
	if e.hardErr != nil && !e.started {
		s.finishHead(UtteranceError, e.hardErr)
	}
}

func (s *Speaker) providerDied(id string) {
	if s.closed {
		return
	}
	for _, e := range s.queue {
		if e.providerID == id && !e.synthDone && e.diedErr == nil {
			e.diedErr = speech.NewError(speech.CodeProviderUnexpectedlyDied, "provider %s exited while speaking", id)
		}
	}
	if e := s.head(); e != nil && e.ended && e.bytes == 0 && e.diedErr != nil {
		if e.grace != nil {
			e.grace.Stop()
		}
		s.settle(e)
	}
}
