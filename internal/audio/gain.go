package audio

// Gain scales samples by a fixed volume taken when the utterance is queued.
type Gain struct {
	volume float64
}

func NewGain(volume float64) *Gain {
	return &Gain{volume: min(max(volume, 0), 1)}
}

func (g *Gain) Volume() float64 { return g.volume }

// Apply scales whole samples of format s in place. A trailing partial
// sample is left untouched.
func (g *Gain) Apply(buf []byte, s SampleFormat) {
	if g == nil || g.volume == 1 {
		return
	}
	c, ok := codecFor(s)
	if !ok {
		return
	}
	for off := 0; off+c.width <= len(buf); off += c.width {
		sample := buf[off : off+c.width]
		c.put(sample, c.get(sample)*g.volume)
	}
}
