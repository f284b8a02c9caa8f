package audio

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSinkTestModeDiscards(t *testing.T) {
	t.Setenv(TestModeEnv, "1")
	sink, err := NewSink(SinkOptions{Kind: SinkExec, Command: "definitely-not-a-player"}, newLogger())
	require.NoError(t, err)
	require.IsType(t, &DiscardSink{}, sink)
}

func TestNewSinkAutoFallsBack(t *testing.T) {
	t.Setenv(TestModeEnv, "")
	sink, err := NewSink(SinkOptions{Kind: SinkAuto, Command: "definitely-not-a-player -"}, newLogger())
	require.NoError(t, err)
	require.IsType(t, &DiscardSink{}, sink)

	_, err = NewSink(SinkOptions{Kind: SinkExec, Command: "definitely-not-a-player -"}, newLogger())
	require.Error(t, err)

	_, err = NewSink(SinkOptions{Kind: "speaker"}, newLogger())
	require.Error(t, err)
}

func TestExpandArgs(t *testing.T) {
	args := expandArgs([]string{"-f", "{alsa_format}", "-r", "{rate}", "-c", "{channels}", "{format}"},
		Format{Sample: SampleS16LE, Rate: 22050, Channels: 1})
	require.Equal(t, []string{"-f", "S16_LE", "-r", "22050", "-c", "1", "S16LE"}, args)
}

func TestWAVSinkWritesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	sink := NewWAVSink(path)
	f := Format{Sample: SampleS16LE, Rate: 16000, Channels: 1}

	require.NoError(t, sink.Open(f))
	_, err := sink.Write([]byte{0x10, 0x00, 0xF0, 0xFF})
	require.NoError(t, err)
	require.NoError(t, sink.Drain())
	require.NoError(t, sink.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	dec := wav.NewDecoder(file)
	require.True(t, dec.IsValidFile())
	require.Equal(t, uint32(16000), dec.SampleRate)
	require.Equal(t, uint16(1), dec.NumChans)
	require.Equal(t, uint16(16), dec.BitDepth)
}

func TestWAVSinkRejectsFloat(t *testing.T) {
	sink := NewWAVSink(filepath.Join(t.TempDir(), "out.wav"))
	require.Error(t, sink.Open(Format{Sample: SampleF32LE, Rate: 16000, Channels: 1}))
}
