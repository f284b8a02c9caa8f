package bustest

import (
	"context"
	"os"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/registry"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/stream"
)

// SynthFunc produces an utterance into w. The provider closes w after it
// returns.
type SynthFunc func(ctx context.Context, w *os.File, req speech.SynthesisRequest) error

// Provider is a scriptable speech provider.
type Provider struct {
	id  string
	bus *Bus

	mu       sync.Mutex
	name     string
	voices   []speech.VoiceDescription
	synth    SynthFunc
	requests []speech.SynthesisRequest
}

func NewProvider(id, name string, voices ...speech.VoiceDescription) *Provider {
	return &Provider{id: id, name: name, voices: voices, synth: Silence()}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Provider) Voices() []speech.VoiceDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.voices)
}

// SetVoices replaces the advertised voices and notifies the bus, carrying
// the new value unless refetch is set.
func (p *Provider) SetVoices(refetch bool, voices ...speech.VoiceDescription) {
	p.mu.Lock()
	p.voices = voices
	bus := p.bus
	p.mu.Unlock()
	if bus == nil {
		return
	}
	sig := registry.VoicesChanged{Provider: p.id, Refetch: refetch}
	if !refetch {
		sig.Voices = slices.Clone(voices)
	}
	bus.Emit(sig)
}

// OnSynthesize sets how the provider answers synthesis requests.
func (p *Provider) OnSynthesize(fn SynthFunc) {
	p.mu.Lock()
	p.synth = fn
	p.mu.Unlock()
}

// Requests returns the synthesis requests received so far.
func (p *Provider) Requests() []speech.SynthesisRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

func (p *Provider) synthesize(ctx context.Context, w *os.File, req speech.SynthesisRequest) error {
	p.mu.Lock()
	fn := p.synth
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	defer w.Close()
	return fn(ctx, w, req)
}

// Silence closes the pipe without writing.
func Silence() SynthFunc {
	return func(context.Context, *os.File, speech.SynthesisRequest) error { return nil }
}

// Raw writes data as bare PCM.
func Raw(data []byte) SynthFunc {
	return func(_ context.Context, w *os.File, _ speech.SynthesisRequest) error {
		_, err := w.Write(data)
		return ignoreBrokenPipe(err)
	}
}

// Chunk is one element of a framed stream: audio or an event.
type Chunk struct {
	Audio []byte
	Event *stream.Event
}

func Audio(b []byte) Chunk { return Chunk{Audio: b} }

func Event(t stream.EventType, start, end uint32) Chunk {
	return Chunk{Event: &stream.Event{Type: t, RangeStart: start, RangeEnd: end}}
}

func Mark(name string) Chunk {
	return Chunk{Event: &stream.Event{Type: stream.EventMark, Mark: name}}
}

// Framed writes a framed stream: the header, then chunks in order.
func Framed(chunks ...Chunk) SynthFunc {
	return func(_ context.Context, w *os.File, _ speech.SynthesisRequest) error {
		sw := stream.NewWriter(w)
		if err := sw.WriteHeader(); err != nil {
			return ignoreBrokenPipe(err)
		}
		for _, c := range chunks {
			var err error
			if c.Event != nil {
				err = sw.WriteEvent(*c.Event)
			} else {
				err = sw.WriteAudio(c.Audio)
			}
			if err != nil {
				return ignoreBrokenPipe(err)
			}
		}
		return nil
	}
}

// Bytes writes b verbatim, e.g. a malformed header.
func Bytes(b []byte) SynthFunc { return Raw(b) }

// Fail writes nothing and reports err from the RPC.
func Fail(err error) SynthFunc {
	return func(context.Context, *os.File, speech.SynthesisRequest) error { return err }
}

// Then runs first, waits for gate, then runs rest. The pipe stays open
// while waiting, so the reader sees a stream in progress.
func Then(first SynthFunc, gate <-chan struct{}, rest SynthFunc) SynthFunc {
	return func(ctx context.Context, w *os.File, req speech.SynthesisRequest) error {
		if err := first(ctx, w, req); err != nil {
			return err
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return rest(ctx, w, req)
	}
}

// Do runs fn before delegating to next; handy for releasing a bus name
// mid-synthesis.
func Do(fn func(), next SynthFunc) SynthFunc {
	return func(ctx context.Context, w *os.File, req speech.SynthesisRequest) error {
		fn()
		return next(ctx, w, req)
	}
}
