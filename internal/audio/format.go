package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SampleFormat is one of the linear PCM sample layouts a voice may produce.
type SampleFormat int

const (
	SampleUnknown SampleFormat = iota
	SampleS8
	SampleU8
	SampleS16LE
	SampleS16BE
	SampleU16LE
	SampleU16BE
	SampleS24LE
	SampleS24BE
	SampleU24LE
	SampleU24BE
	SampleS32LE
	SampleS32BE
	SampleU32LE
	SampleU32BE
	SampleF32LE
	SampleF32BE
	SampleF64LE
	SampleF64BE
)

var sampleNames = map[SampleFormat]string{
	SampleS8:    "S8",
	SampleU8:    "U8",
	SampleS16LE: "S16LE",
	SampleS16BE: "S16BE",
	SampleU16LE: "U16LE",
	SampleU16BE: "U16BE",
	SampleS24LE: "S24LE",
	SampleS24BE: "S24BE",
	SampleU24LE: "U24LE",
	SampleU24BE: "U24BE",
	SampleS32LE: "S32LE",
	SampleS32BE: "S32BE",
	SampleU32LE: "U32LE",
	SampleU32BE: "U32BE",
	SampleF32LE: "F32LE",
	SampleF32BE: "F32BE",
	SampleF64LE: "F64LE",
	SampleF64BE: "F64BE",
}

func (s SampleFormat) String() string {
	if name, ok := sampleNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSampleFormat accepts the upper-case names used in caps strings,
// e.g. "S16LE".
func ParseSampleFormat(name string) (SampleFormat, error) {
	for f, n := range sampleNames {
		if n == name {
			return f, nil
		}
	}
	return SampleUnknown, fmt.Errorf("unsupported sample format %q", name)
}

// Width is the size of one sample in bytes.
func (s SampleFormat) Width() int {
	switch s {
	case SampleS8, SampleU8:
		return 1
	case SampleS16LE, SampleS16BE, SampleU16LE, SampleU16BE:
		return 2
	case SampleS24LE, SampleS24BE, SampleU24LE, SampleU24BE:
		return 3
	case SampleS32LE, SampleS32BE, SampleU32LE, SampleU32BE, SampleF32LE, SampleF32BE:
		return 4
	case SampleF64LE, SampleF64BE:
		return 8
	default:
		return 0
	}
}

func (s SampleFormat) IsFloat() bool {
	switch s {
	case SampleF32LE, SampleF32BE, SampleF64LE, SampleF64BE:
		return true
	}
	return false
}

// Format describes interleaved PCM frames.
type Format struct {
	Sample   SampleFormat
	Rate     int
	Channels int
}

// Defaults applied when a caps string leaves a field out.
const (
	DefaultRate     = 44100
	DefaultChannels = 2
	DefaultSample   = SampleS16LE
)

func (f Format) FrameSize() int {
	return f.Sample.Width() * f.Channels
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", f.Sample, f.Rate, f.Channels)
}

// StreamKind says how the bytes on a provider pipe are laid out.
type StreamKind int

const (
	// StreamRaw is bare interleaved PCM.
	StreamRaw StreamKind = iota + 1
	// StreamFramed is the chunked audio and event protocol.
	StreamFramed
)

func (k StreamKind) String() string {
	switch k {
	case StreamRaw:
		return "raw"
	case StreamFramed:
		return "framed"
	default:
		return "unknown"
	}
}

const (
	mediaRaw    = "audio/x-raw"
	mediaFramed = "audio/x-spiel"
)

// OutputFormat is a voice's parsed output descriptor.
type OutputFormat struct {
	Kind StreamKind
	Format
}

var ErrEmptyOutputFormat = errors.New("output format is empty")

// ParseOutputFormat parses caps strings such as
// "audio/x-raw,format=S16LE,channels=1,rate=22050". Fields may carry a type
// annotation like "rate=(int)22050".
func ParseOutputFormat(caps string) (OutputFormat, error) {
	fields := strings.Split(caps, ",")
	media := strings.TrimSpace(fields[0])
	if media == "" {
		return OutputFormat{}, ErrEmptyOutputFormat
	}

	out := OutputFormat{Format: Format{Sample: DefaultSample, Rate: DefaultRate, Channels: DefaultChannels}}
	switch media {
	case mediaRaw:
		out.Kind = StreamRaw
	case mediaFramed:
		out.Kind = StreamFramed
	default:
		return OutputFormat{}, fmt.Errorf("unsupported media type %q", media)
	}

	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			return OutputFormat{}, fmt.Errorf("malformed field %q", field)
		}
		key = strings.TrimSpace(key)
		value = stripTypeAnnotation(strings.TrimSpace(value))
		switch key {
		case "format":
			sample, err := ParseSampleFormat(value)
			if err != nil {
				return OutputFormat{}, err
			}
			out.Sample = sample
		case "rate":
			n, err := positiveInt(key, value)
			if err != nil {
				return OutputFormat{}, err
			}
			out.Rate = n
		case "channels":
			n, err := positiveInt(key, value)
			if err != nil {
				return OutputFormat{}, err
			}
			out.Channels = n
		}
	}
	return out, nil
}

func stripTypeAnnotation(v string) string {
	if strings.HasPrefix(v, "(") {
		if i := strings.Index(v, ")"); i >= 0 {
			return strings.TrimSpace(v[i+1:])
		}
	}
	return v
}

func positiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}
