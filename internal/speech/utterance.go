package speech

import (
	"sync"

	"github.com/google/uuid"
)

const (
	MinPitch     = 0.0
	MaxPitch     = 2.0
	DefaultPitch = 1.0

	MinRate     = 0.1
	MaxRate     = 10.0
	DefaultRate = 1.0

	MinVolume     = 0.0
	MaxVolume     = 1.0
	DefaultVolume = 1.0
)

// Utterance is a request to speak one piece of text. Setters clamp values
// to their ranges. Changes made after the utterance is queued do not affect
// the synthesis already in flight.
type Utterance struct {
	id string

	mu       sync.RWMutex
	text     string
	pitch    float64
	rate     float64
	volume   float64
	voice    *Voice
	language string
	ssml     bool
}

// UtteranceParams is a point-in-time copy of an utterance's fields.
type UtteranceParams struct {
	Text     string
	Pitch    float64
	Rate     float64
	Volume   float64
	Voice    *Voice
	Language string
	SSML     bool
}

func NewUtterance(text string) *Utterance {
	return &Utterance{
		id:     uuid.NewString(),
		text:   text,
		pitch:  DefaultPitch,
		rate:   DefaultRate,
		volume: DefaultVolume,
	}
}

// ID is a unique identifier assigned at construction.
func (u *Utterance) ID() string { return u.id }

func (u *Utterance) Params() UtteranceParams {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return UtteranceParams{
		Text:     u.text,
		Pitch:    u.pitch,
		Rate:     u.rate,
		Volume:   u.volume,
		Voice:    u.voice,
		Language: u.language,
		SSML:     u.ssml,
	}
}

func (u *Utterance) Text() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.text
}

func (u *Utterance) SetText(text string) {
	u.mu.Lock()
	u.text = text
	u.mu.Unlock()
}

func (u *Utterance) Pitch() float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.pitch
}

func (u *Utterance) SetPitch(pitch float64) {
	u.mu.Lock()
	u.pitch = clamp(pitch, MinPitch, MaxPitch)
	u.mu.Unlock()
}

func (u *Utterance) Rate() float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.rate
}

func (u *Utterance) SetRate(rate float64) {
	u.mu.Lock()
	u.rate = clamp(rate, MinRate, MaxRate)
	u.mu.Unlock()
}

func (u *Utterance) Volume() float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.volume
}

func (u *Utterance) SetVolume(volume float64) {
	u.mu.Lock()
	u.volume = clamp(volume, MinVolume, MaxVolume)
	u.mu.Unlock()
}

func (u *Utterance) Voice() *Voice {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.voice
}

func (u *Utterance) SetVoice(v *Voice) {
	u.mu.Lock()
	u.voice = v
	u.mu.Unlock()
}

func (u *Utterance) Language() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.language
}

func (u *Utterance) SetLanguage(tag string) {
	u.mu.Lock()
	u.language = tag
	u.mu.Unlock()
}

func (u *Utterance) SSML() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.ssml
}

func (u *Utterance) SetSSML(ssml bool) {
	u.mu.Lock()
	u.ssml = ssml
	u.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	return min(max(v, lo), hi)
}
