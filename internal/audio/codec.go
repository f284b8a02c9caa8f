package audio

import (
	"encoding/binary"
	"math"
)

// codec reads and writes single samples. Integer samples are exposed as
// values centred on zero so unsigned formats scale like signed ones.
type codec struct {
	width int
	get   func(b []byte) float64
	put   func(b []byte, v float64)
}

func codecFor(s SampleFormat) (codec, bool) {
	switch s {
	case SampleS8:
		return codec{1, func(b []byte) float64 { return float64(int8(b[0])) },
			func(b []byte, v float64) { b[0] = byte(int8(clampInt(v, 8))) }}, true
	case SampleU8:
		return codec{1, func(b []byte) float64 { return float64(b[0]) - 128 },
			func(b []byte, v float64) { b[0] = byte(clampInt(v, 8) + 128) }}, true
	case SampleS16LE, SampleS16BE:
		o := order(s == SampleS16LE)
		return codec{2, func(b []byte) float64 { return float64(int16(o.Uint16(b))) },
			func(b []byte, v float64) { o.PutUint16(b, uint16(int16(clampInt(v, 16)))) }}, true
	case SampleU16LE, SampleU16BE:
		o := order(s == SampleU16LE)
		return codec{2, func(b []byte) float64 { return float64(o.Uint16(b)) - 1<<15 },
			func(b []byte, v float64) { o.PutUint16(b, uint16(clampInt(v, 16)+1<<15)) }}, true
	case SampleS24LE, SampleS24BE:
		le := s == SampleS24LE
		return codec{3, func(b []byte) float64 { return float64(signExtend24(get24(b, le))) },
			func(b []byte, v float64) { put24(b, uint32(clampInt(v, 24)), le) }}, true
	case SampleU24LE, SampleU24BE:
		le := s == SampleU24LE
		return codec{3, func(b []byte) float64 { return float64(get24(b, le)) - 1<<23 },
			func(b []byte, v float64) { put24(b, uint32(clampInt(v, 24)+1<<23), le) }}, true
	case SampleS32LE, SampleS32BE:
		o := order(s == SampleS32LE)
		return codec{4, func(b []byte) float64 { return float64(int32(o.Uint32(b))) },
			func(b []byte, v float64) { o.PutUint32(b, uint32(int32(clampInt(v, 32)))) }}, true
	case SampleU32LE, SampleU32BE:
		o := order(s == SampleU32LE)
		return codec{4, func(b []byte) float64 { return float64(o.Uint32(b)) - 1<<31 },
			func(b []byte, v float64) { o.PutUint32(b, uint32(clampInt(v, 32)+1<<31)) }}, true
	case SampleF32LE, SampleF32BE:
		o := order(s == SampleF32LE)
		return codec{4, func(b []byte) float64 { return float64(math.Float32frombits(o.Uint32(b))) },
			func(b []byte, v float64) { o.PutUint32(b, math.Float32bits(float32(v))) }}, true
	case SampleF64LE, SampleF64BE:
		o := order(s == SampleF64LE)
		return codec{8, func(b []byte) float64 { return math.Float64frombits(o.Uint64(b)) },
			func(b []byte, v float64) { o.PutUint64(b, math.Float64bits(v)) }}, true
	}
	return codec{}, false
}

func order(little bool) binary.ByteOrder {
	if little {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// clampInt rounds v and clamps it to the signed range of a bits-wide integer.
func clampInt(v float64, bits uint) int64 {
	lo := -float64(int64(1) << (bits - 1))
	hi := float64(int64(1)<<(bits-1)) - 1
	return int64(math.Max(lo, math.Min(hi, math.Round(v))))
}

func get24(b []byte, le bool) uint32 {
	if le {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	}
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}

func put24(b []byte, v uint32, le bool) {
	if le {
		b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
		return
	}
	b[0], b[1], b[2] = byte(v>>16), byte(v>>8), byte(v)
}

func signExtend24(v uint32) int32 {
	return int32(v<<8) >> 8
}
