package audio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOutputFormatDefaults(t *testing.T) {
	out, err := ParseOutputFormat("audio/x-raw")
	require.NoError(t, err)
	require.Equal(t, StreamRaw, out.Kind)
	require.Equal(t, Format{Sample: SampleS16LE, Rate: 44100, Channels: 2}, out.Format)
}

func TestParseOutputFormatFields(t *testing.T) {
	out, err := ParseOutputFormat("audio/x-spiel, format=(string)F32BE, rate=(int)22050, channels=1")
	require.NoError(t, err)
	require.Equal(t, StreamFramed, out.Kind)
	require.Equal(t, SampleF32BE, out.Sample)
	require.Equal(t, 22050, out.Rate)
	require.Equal(t, 1, out.Channels)
	require.Equal(t, 4, out.FrameSize())
}

func TestParseOutputFormatRejects(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"media":        "audio/mpeg",
		"sample":       "audio/x-raw,format=S12LE",
		"rate":         "audio/x-raw,rate=0",
		"channels":     "audio/x-raw,channels=two",
		"missing pair": "audio/x-raw,rate",
	}
	for name, caps := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOutputFormat(caps)
			require.Error(t, err)
		})
	}
	_, err := ParseOutputFormat("  ")
	require.ErrorIs(t, err, ErrEmptyOutputFormat)
}

func TestSampleFormatNames(t *testing.T) {
	for f, name := range sampleNames {
		parsed, err := ParseSampleFormat(name)
		require.NoError(t, err)
		require.Equal(t, f, parsed)
		require.Positive(t, f.Width())
	}
	require.Equal(t, "unknown", SampleUnknown.String())
}

func TestGainScalesSigned16(t *testing.T) {
	buf := make([]byte, 4)
	pos, neg := int16(1000), int16(-1000)
	binary.LittleEndian.PutUint16(buf, uint16(pos))
	binary.LittleEndian.PutUint16(buf[2:], uint16(neg))

	NewGain(0.5).Apply(buf, SampleS16LE)

	require.Equal(t, int16(500), int16(binary.LittleEndian.Uint16(buf)))
	require.Equal(t, int16(-500), int16(binary.LittleEndian.Uint16(buf[2:])))
}

func TestGainScalesUnsignedAroundMidpoint(t *testing.T) {
	buf := []byte{128 + 100, 128 - 100, 128}
	NewGain(0.5).Apply(buf, SampleU8)
	require.Equal(t, []byte{128 + 50, 128 - 50, 128}, buf)
}

func TestGainClampsVolume(t *testing.T) {
	require.Equal(t, 1.0, NewGain(3).Volume())
	require.Equal(t, 0.0, NewGain(-1).Volume())

	buf := []byte{1, 2, 3}
	NewGain(1).Apply(buf, SampleS8)
	require.Equal(t, []byte{1, 2, 3}, buf)

	var g *Gain
	g.Apply(buf, SampleS8)
	require.Equal(t, []byte{1, 2, 3}, buf)
}

func TestGainBigEndian24(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0x9C} // -100
	NewGain(0.5).Apply(buf, SampleS24BE)
	require.Equal(t, []byte{0xFF, 0xFF, 0xCE}, buf) // -50
}

func TestFrameParserCarriesPartialFrames(t *testing.T) {
	p := NewFrameParser(Format{Sample: SampleS16LE, Channels: 2, Rate: 8000})

	require.Empty(t, p.Push([]byte{1, 2, 3}))
	require.Equal(t, 3, p.Pending())

	out := p.Push([]byte{4, 5, 6})
	require.Equal(t, []byte{1, 2, 3, 4}, out)
	require.Equal(t, 2, p.Pending())

	out = p.Push([]byte{7, 8})
	require.Equal(t, []byte{5, 6, 7, 8}, out)
	require.Zero(t, p.Pending())
}
