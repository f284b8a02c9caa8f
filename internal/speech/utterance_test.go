package speech

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtteranceDefaults(t *testing.T) {
	u := NewUtterance("hello")
	p := u.Params()
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, DefaultPitch, p.Pitch)
	assert.Equal(t, DefaultRate, p.Rate)
	assert.Equal(t, DefaultVolume, p.Volume)
	assert.Nil(t, p.Voice)
	assert.Empty(t, p.Language)
	assert.False(t, p.SSML)
	assert.NotEmpty(t, u.ID())
	assert.NotEqual(t, u.ID(), NewUtterance("hello").ID())
}

func TestUtteranceClamps(t *testing.T) {
	u := NewUtterance("x")
	u.SetPitch(3)
	u.SetRate(0)
	u.SetVolume(-1)
	assert.Equal(t, MaxPitch, u.Pitch())
	assert.Equal(t, MinRate, u.Rate())
	assert.Equal(t, MinVolume, u.Volume())

	u.SetVolume(math.NaN())
	assert.Equal(t, MinVolume, u.Volume())
}

func TestUtteranceParamsSnapshot(t *testing.T) {
	u := NewUtterance("before")
	u.SetLanguage("en-US")
	u.SetSSML(true)
	p := u.Params()
	u.SetText("after")

	assert.Equal(t, "before", p.Text)
	req := p.Request("voice-1")
	assert.Equal(t, SynthesisRequest{Text: "before", VoiceID: "voice-1", Pitch: 1, Rate: 1, SSML: true, Language: "en-US"}, req)
}

func TestErrorMatchesByCode(t *testing.T) {
	err := fmt.Errorf("speak: %w", NewError(CodeNoProviders, "nothing for %q", "en"))
	assert.True(t, errors.Is(err, ErrNoProviders))
	assert.False(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, CodeNoProviders, CodeOf(err))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))

	cause := errors.New("boom")
	wrapped := NewError(CodeInternalProviderFailure, "synthesize").WithCause(cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "INTERNAL_PROVIDER_FAILURE")
}
