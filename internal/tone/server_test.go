package tone_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/registry"
	"github.com/loqalabs/loqa-speech/internal/speaker"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/tone"
)

// startBus runs a private session bus and returns its address.
func startBus(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("dbus-daemon")
	if err != nil {
		t.Skip("dbus-daemon not installed")
	}
	cmd := exec.Command(path, "--session", "--nofork", "--nopidfile", "--print-address=1")
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	if err := cmd.Start(); err != nil {
		t.Skipf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	addr := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(out).ReadString('\n')
		addr <- strings.TrimSpace(line)
	}()
	select {
	case a := <-addr:
		if a == "" {
			t.Skip("dbus-daemon printed no address")
		}
		return a
	case <-time.After(5 * time.Second):
		t.Skip("dbus-daemon did not start")
		return ""
	}
}

func TestToneProviderOverDBus(t *testing.T) {
	addr := startBus(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := dbus.Connect(addr, dbus.WithContext(ctx))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	srv, err := tone.Serve(conn, tone.BusName, log)
	require.NoError(t, err)

	client, err := bus.Connect(ctx, config.DBusConfig{Address: addr, CallTimeout: 5000}, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	reg, err := registry.New(ctx, client, registry.Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	prov := reg.Provider(tone.BusName)
	require.NotNil(t, prov)
	require.Equal(t, "Loqa Tone", prov.Name())
	require.Equal(t, 2, reg.Voices().Len())
	v := prov.Voice(tone.FramedVoice)
	require.NotNil(t, v)
	require.True(t, v.Features().Has(speech.FeatureEventsWord))

	spk, err := speaker.New(reg, speaker.Options{Sink: audio.NewDiscardSink(), Logger: log})
	require.NoError(t, err)
	t.Cleanup(spk.Close)
	events := make(chan speaker.Event, 64)
	t.Cleanup(spk.Subscribe(func(ev speaker.Event) { events <- ev }))

	u := speech.NewUtterance("hello world")
	u.SetVoice(v)
	require.NoError(t, spk.Speak(ctx, u))

	var kinds []speaker.EventKind
	var words [][2]uint32
	for done := false; !done; {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == speaker.WordStarted {
				words = append(words, [2]uint32{ev.Start, ev.End})
			}
			done = ev.Kind == speaker.SpeakingChanged && !ev.Speaking
		case <-ctx.Done():
			t.Fatalf("timed out, saw %v", kinds)
		}
	}
	require.Equal(t, []speaker.EventKind{
		speaker.SpeakingChanged,
		speaker.UtteranceStarted,
		speaker.SentenceStarted,
		speaker.WordStarted,
		speaker.WordStarted,
		speaker.UtteranceFinished,
		speaker.SpeakingChanged,
	}, kinds)
	require.Equal(t, [][2]uint32{{0, 5}, {6, 11}}, words)

	srv.SetVoices(tone.Voices()[:1])
	require.Eventually(t, func() bool { return reg.Voices().Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Close())
	require.Eventually(t, func() bool { return reg.Voices().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
