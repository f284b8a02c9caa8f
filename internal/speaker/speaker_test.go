package speaker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bustest"
	"github.com/loqalabs/loqa-speech/internal/registry"
	"github.com/loqalabs/loqa-speech/internal/speaker"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/stream"
)

const (
	alpha = "org.alpha.Speech.Provider"
	beta  = "org.beta.Speech.Provider"

	rawFormat    = "audio/x-raw,format=S16LE,channels=1,rate=22050"
	framedFormat = "audio/x-spiel,format=S16LE,channels=1,rate=22050"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func voice(id, format string, langs ...string) speech.VoiceDescription {
	return speech.VoiceDescription{Name: id, Identifier: id, OutputFormat: format, Languages: langs}
}

func pcm(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

type fixture struct {
	bus  *bustest.Bus
	reg  *registry.Registry
	spk  *speaker.Speaker
	sink *audio.DiscardSink
	rec  *recorder
}

func setup(t *testing.T, providers ...*bustest.Provider) *fixture {
	t.Helper()
	bus := bustest.NewBus()
	for _, p := range providers {
		bus.Start(p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg, err := registry.New(ctx, bus, registry.Options{Logger: newLogger()})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	sink := audio.NewDiscardSink()
	spk, err := speaker.New(reg, speaker.Options{Sink: sink, Logger: newLogger()})
	require.NoError(t, err)
	t.Cleanup(spk.Close)

	return &fixture{bus: bus, reg: reg, spk: spk, sink: sink, rec: record(t, spk)}
}

func (f *fixture) speak(t *testing.T, text string) *speech.Utterance {
	t.Helper()
	u := speech.NewUtterance(text)
	require.NoError(t, f.spk.Speak(context.Background(), u))
	return u
}

type recorder struct {
	ch chan speaker.Event
}

func record(t *testing.T, s *speaker.Speaker) *recorder {
	r := &recorder{ch: make(chan speaker.Event, 256)}
	t.Cleanup(s.Subscribe(func(ev speaker.Event) { r.ch <- ev }))
	return r
}

func (r *recorder) next(t *testing.T) speaker.Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for speaker event")
		return speaker.Event{}
	}
}

func (r *recorder) expect(t *testing.T, kind speaker.EventKind, u *speech.Utterance) speaker.Event {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, kind, ev.Kind, "got %s", ev.Kind)
	if u != nil {
		require.Same(t, u, ev.Utterance)
	}
	return ev
}

func (r *recorder) speaking(t *testing.T, want bool) {
	t.Helper()
	ev := r.expect(t, speaker.SpeakingChanged, nil)
	require.Equal(t, want, ev.Speaking)
}

func (r *recorder) paused(t *testing.T, want bool) {
	t.Helper()
	ev := r.expect(t, speaker.PausedChanged, nil)
	require.Equal(t, want, ev.Paused)
}

func (r *recorder) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(within):
	}
}

func TestSpeakHappyPath(t *testing.T) {
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en-US"))
	p.OnSynthesize(bustest.Raw(pcm(4410)))
	f := setup(t, p)

	u := speech.NewUtterance("hello world")
	u.SetLanguage("en")
	require.NoError(t, f.spk.Speak(context.Background(), u))

	f.rec.speaking(t, true)
	f.rec.expect(t, speaker.UtteranceStarted, u)
	f.rec.expect(t, speaker.UtteranceFinished, u)
	f.rec.speaking(t, false)
	f.rec.none(t, 50*time.Millisecond)

	require.False(t, f.spk.Speaking())
	require.Equal(t, int64(4410), f.sink.Written())
	require.Equal(t, audio.Format{Sample: audio.SampleS16LE, Rate: 22050, Channels: 1}, f.sink.Format())
	require.Equal(t, alpha+"/v1", u.Voice().String())

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "hello world", reqs[0].Text)
	assert.Equal(t, "v1", reqs[0].VoiceID)
	assert.Equal(t, "en", reqs[0].Language)
	assert.Equal(t, 1.0, reqs[0].Rate)
}

func TestSpeakQueueOfFive(t *testing.T) {
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en"))
	p.OnSynthesize(bustest.Raw(pcm(512)))
	f := setup(t, p)

	var utts []*speech.Utterance
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		utts = append(utts, f.speak(t, text))
	}

	f.rec.speaking(t, true)
	for _, u := range utts {
		f.rec.expect(t, speaker.UtteranceStarted, u)
		f.rec.expect(t, speaker.UtteranceFinished, u)
	}
	f.rec.speaking(t, false)
	f.rec.none(t, 50*time.Millisecond)
	require.Equal(t, 5, f.sink.Streams())
}

func TestSpeakPauseResume(t *testing.T) {
	gate := make(chan struct{})
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en"))
	p.OnSynthesize(bustest.Then(bustest.Raw(pcm(512)), gate, bustest.Raw(pcm(512))))
	f := setup(t, p)

	u := f.speak(t, "hello")
	f.rec.speaking(t, true)
	f.rec.expect(t, speaker.UtteranceStarted, u)

	f.spk.Pause()
	f.rec.paused(t, true)
	require.True(t, f.spk.Paused())
	require.True(t, f.sink.Paused())

	// Pausing again changes nothing.
	f.spk.Pause()
	f.rec.none(t, 50*time.Millisecond)

	f.spk.Resume()
	f.rec.paused(t, false)
	close(gate)
	f.rec.expect(t, speaker.UtteranceFinished, u)
	f.rec.speaking(t, false)
	f.rec.none(t, 50*time.Millisecond)
	require.Equal(t, int64(1024), f.sink.Written())
}

func TestSpeakPausedBeforeSpeaking(t *testing.T) {
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en"))
	p.OnSynthesize(bustest.Raw(pcm(512)))
	f := setup(t, p)

	f.spk.Pause()
	f.rec.paused(t, true)

	u := f.speak(t, "later")
	f.rec.speaking(t, true)
	f.rec.none(t, 100*time.Millisecond)

	f.spk.Resume()
	f.rec.paused(t, false)
	f.rec.expect(t, speaker.UtteranceStarted, u)
	f.rec.expect(t, speaker.UtteranceFinished, u)
	f.rec.speaking(t, false)
}

func TestCancelMidFlight(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en"))
	p.OnSynthesize(bustest.Then(bustest.Raw(pcm(512)), gate, bustest.Raw(pcm(512))))
	f := setup(t, p)

	first := f.speak(t, "one")
	f.speak(t, "two")
	f.speak(t, "three")

	f.rec.speaking(t, true)
	f.rec.expect(t, speaker.UtteranceStarted, first)

	f.spk.Cancel()
	f.rec.expect(t, speaker.UtteranceCanceled, first)
	f.rec.speaking(t, false)
	f.rec.none(t, 100*time.Millisecond)
	require.False(t, f.spk.Speaking())
}

func TestCancelWhilePausedKeepsPaused(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en"))
	p.OnSynthesize(bustest.Then(bustest.Raw(pcm(512)), gate, bustest.Silence()))
	f := setup(t, p)

	u := f.speak(t, "one")
	f.rec.speaking(t, true)
	f.rec.expect(t, speaker.UtteranceStarted, u)
	f.spk.Pause()
	f.rec.paused(t, true)

	f.spk.Cancel()
	f.rec.expect(t, speaker.UtteranceCanceled, u)
	f.rec.speaking(t, false)
	f.rec.none(t, 50*time.Millisecond)
	require.True(t, f.spk.Paused())
}

func TestCancelOnEmptySpeakerIsNoop(t *testing.T) {
	f := setup(t, bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en")))
	f.spk.Cancel()
	f.spk.Resume()
	require.NoError(t, f.reg.Loop().Sync(context.Background()))
	f.rec.none(t, 50*time.Millisecond)
}

func TestFramedEventsFollowStart(t *testing.T) {
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", framedFormat, "en"))
	p.OnSynthesize(bustest.Framed(
		bustest.Event(stream.EventWord, 0, 5),
		bustest.Event(stream.EventWord, 6, 11),
		bustest.Audio(pcm(256)),
		bustest.Event(stream.EventSentence, 0, 11),
		bustest.Mark("end"),
	))
	f := setup(t, p)

	u := f.speak(t, "hello world")
	f.rec.speaking(t, true)
	f.rec.expect(t, speaker.UtteranceStarted, u)

	ev := f.rec.expect(t, speaker.WordStarted, u)
	require.Equal(t, [2]uint32{0, 5}, [2]uint32{ev.Start, ev.End})
	ev = f.rec.expect(t, speaker.WordStarted, u)
	require.Equal(t, [2]uint32{6, 11}, [2]uint32{ev.Start, ev.End})
	ev = f.rec.expect(t, speaker.SentenceStarted, u)
	require.Equal(t, [2]uint32{0, 11}, [2]uint32{ev.Start, ev.End})
	ev = f.rec.expect(t, speaker.MarkReached, u)
	require.Equal(t, "end", ev.Mark)

	f.rec.expect(t, speaker.UtteranceFinished, u)
	f.rec.speaking(t, false)
}

func TestUnknownChunkEndsStream(t *testing.T) {
	var buf bytes.Buffer
	w := stream.NewWriter(&buf)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.WriteAudio(pcm(256)))
	buf.WriteByte(7)
	require.NoError(t, w.WriteAudio(pcm(64)))

	p := bustest.NewProvider(alpha, "Alpha", voice("v1", framedFormat, "en"))
	p.OnSynthesize(bustest.Bytes(buf.Bytes()))
	f := setup(t, p)

	u := f.speak(t, "hello")
	f.rec.speaking(t, true)
	f.rec.expect(t, speaker.UtteranceStarted, u)
	f.rec.expect(t, speaker.UtteranceFinished, u)
	f.rec.speaking(t, false)
	require.Equal(t, int64(256), f.sink.Written())
}

func TestSpeakErrors(t *testing.T) {
	tests := []struct {
		name   string
		format string
		synth  bustest.SynthFunc
		code   speech.ErrorCode
		cause  error
	}{
		{name: "unparseable format", format: "video/x-raw", synth: bustest.Raw(pcm(16)), code: speech.CodeMisconfiguredVoice},
		{name: "no audio", format: rawFormat, synth: bustest.Silence(), code: speech.CodeMisconfiguredVoice},
		{name: "version mismatch", format: framedFormat, synth: bustest.Bytes([]byte("9.99")), code: speech.CodeMisconfiguredVoice, cause: audio.ErrVersionMismatch},
		{name: "missing header", format: framedFormat, synth: bustest.Bytes([]byte("0.")), code: speech.CodeMisconfiguredVoice},
		{name: "provider failure", format: rawFormat, synth: bustest.Fail(errors.New("boom")), code: speech.CodeInternalProviderFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bustest.NewProvider(alpha, "Alpha", voice("v1", tt.format, "en"))
			p.OnSynthesize(tt.synth)
			f := setup(t, p)

			u := f.speak(t, "hello")
			f.rec.speaking(t, true)
			ev := f.rec.expect(t, speaker.UtteranceError, u)
			require.Equal(t, tt.code, speech.CodeOf(ev.Err), "err: %v", ev.Err)
			if tt.cause != nil {
				require.ErrorIs(t, ev.Err, tt.cause)
			}
			f.rec.speaking(t, false)
		})
	}
}

func TestErrorDoesNotStopQueue(t *testing.T) {
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en"))
	p.OnSynthesize(func(ctx context.Context, w *os.File, req speech.SynthesisRequest) error {
		if req.Text == "bad" {
			return errors.New("boom")
		}
		return bustest.Raw(pcm(64))(ctx, w, req)
	})
	f := setup(t, p)

	bad := f.speak(t, "bad")
	good := f.speak(t, "good")

	f.rec.speaking(t, true)
	f.rec.expect(t, speaker.UtteranceError, bad)
	f.rec.expect(t, speaker.UtteranceStarted, good)
	f.rec.expect(t, speaker.UtteranceFinished, good)
	f.rec.speaking(t, false)
}

func TestProviderDiesWhileSpeaking(t *testing.T) {
	gate := make(chan struct{})
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en"))
	p.OnSynthesize(bustest.Then(bustest.Silence(), gate, bustest.Silence()))
	f := setup(t, p)

	u := f.speak(t, "hello")
	f.rec.speaking(t, true)
	require.Eventually(t, func() bool { return len(p.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	f.bus.Release(alpha)
	require.Eventually(t, func() bool { return f.reg.Voices().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	close(gate)

	ev := f.rec.expect(t, speaker.UtteranceError, u)
	require.ErrorIs(t, ev.Err, speech.ErrProviderUnexpectedlyDied)
	f.rec.speaking(t, false)
}

func TestSpeakFallsBackWhenProviderDisappears(t *testing.T) {
	a := bustest.NewProvider(alpha, "Alpha", voice("ann", rawFormat, "en"))
	b := bustest.NewProvider(beta, "Beta", voice("bob", rawFormat, "en"))
	b.OnSynthesize(bustest.Raw(pcm(64)))
	f := setup(t, a, b)

	f.bus.Release(alpha)
	require.Eventually(t, func() bool { return f.reg.Voices().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	u := speech.NewUtterance("hello")
	u.SetLanguage("en")
	require.NoError(t, f.spk.Speak(context.Background(), u))
	f.rec.speaking(t, true)
	f.rec.expect(t, speaker.UtteranceStarted, u)
	f.rec.expect(t, speaker.UtteranceFinished, u)
	f.rec.speaking(t, false)
	require.Equal(t, beta, u.Voice().ProviderID())
	require.Empty(t, a.Requests())

	f.bus.Release(beta)
	require.Eventually(t, func() bool { return f.reg.Voices().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	err := f.spk.Speak(context.Background(), speech.NewUtterance("nobody"))
	require.ErrorIs(t, err, speech.ErrNoProviders)
}

func TestSpeakAfterClose(t *testing.T) {
	f := setup(t, bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en")))
	f.spk.Close()
	err := f.spk.Speak(context.Background(), speech.NewUtterance("late"))
	require.ErrorIs(t, err, speaker.ErrClosed)
	f.rec.none(t, 50*time.Millisecond)
}

func TestVolumeScalesAudio(t *testing.T) {
	p := bustest.NewProvider(alpha, "Alpha", voice("v1", rawFormat, "en"))
	p.OnSynthesize(bustest.Raw([]byte{0x00, 0x40, 0x00, 0xc0}))

	bus := bustest.NewBus()
	bus.Start(p)
	reg, err := registry.New(context.Background(), bus, registry.Options{Logger: newLogger()})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	sink := &capture{}
	spk, err := speaker.New(reg, speaker.Options{Sink: sink, Logger: newLogger()})
	require.NoError(t, err)
	t.Cleanup(spk.Close)
	rec := record(t, spk)

	u := speech.NewUtterance("quiet")
	u.SetVolume(0.5)
	require.NoError(t, spk.Speak(context.Background(), u))
	// Later changes do not reach the queued request.
	u.SetVolume(1)

	rec.speaking(t, true)
	rec.expect(t, speaker.UtteranceStarted, u)
	rec.expect(t, speaker.UtteranceFinished, u)
	require.Equal(t, []byte{0x00, 0x20, 0x00, 0xe0}, sink.bytes())
}

type capture struct {
	audio.DiscardSink
	mu  sync.Mutex
	buf []byte
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.buf = append(c.buf, p...)
	c.mu.Unlock()
	return len(p), nil
}

func (c *capture) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.buf)
}
