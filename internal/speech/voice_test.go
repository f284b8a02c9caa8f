package speech

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVoice(t *testing.T, provider, name, id string, langs ...string) *Voice {
	t.Helper()
	v, err := NewVoice(provider, VoiceDescription{Name: name, Identifier: id, Languages: langs, OutputFormat: "audio/x-raw,format=S16LE,channels=1,rate=22050"})
	require.NoError(t, err)
	return v
}

func TestVoiceEquality(t *testing.T) {
	a := mustVoice(t, "org.one.Speech.Provider", "Alpha", "alpha", "en-US")
	b := mustVoice(t, "org.one.Speech.Provider", "Alpha", "alpha", "en-US")
	c := mustVoice(t, "org.one.Speech.Provider", "Alpha", "alpha", "en-GB")
	d := mustVoice(t, "org.two.Speech.Provider", "Alpha", "alpha", "en-US")

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
	assert.False(t, a.Equal(c), "languages take part in equality")
	assert.False(t, a.Equal(d), "provider takes part in equality")
	assert.False(t, a.Equal(nil))
}

func TestVoiceKeyHasNoSeparatorCollisions(t *testing.T) {
	a := mustVoice(t, "p", "ab", "c", "en")
	b := mustVoice(t, "p", "a", "bc", "en")
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestCompareVoices(t *testing.T) {
	voices := []*Voice{
		mustVoice(t, "org.two.Speech.Provider", "Alpha", "a", "en"),
		mustVoice(t, "org.one.Speech.Provider", "Beta", "b", "en"),
		mustVoice(t, "org.one.Speech.Provider", "Alpha", "z", "en"),
		mustVoice(t, "org.one.Speech.Provider", "Alpha", "y", "en"),
	}
	slices.SortFunc(voices, CompareVoices)

	var got []string
	for _, v := range voices {
		got = append(got, v.String())
	}
	assert.Equal(t, []string{
		"org.one.Speech.Provider/y",
		"org.one.Speech.Provider/z",
		"org.one.Speech.Provider/b",
		"org.two.Speech.Provider/a",
	}, got)
}

func TestNewVoiceValidation(t *testing.T) {
	_, err := NewVoice("p", VoiceDescription{Identifier: "x"})
	assert.Error(t, err)
	_, err = NewVoice("p", VoiceDescription{Languages: []string{"en"}})
	assert.Error(t, err)
}

func TestVoiceFeaturesIgnoreReservedBits(t *testing.T) {
	d := VoiceDescription{Identifier: "x", Languages: []string{"en"}, Features: 1<<40 | uint64(FeatureEventsWord|FeatureSSMLProsody)}
	assert.Equal(t, uint64(1<<8), d.ReservedFeatures())

	v, err := NewVoice("p", d)
	require.NoError(t, err)
	assert.True(t, v.Features().Has(FeatureEventsWord))
	assert.True(t, v.Features().Has(FeatureSSMLProsody))
	assert.Equal(t, "events-word|ssml-prosody", v.Features().String())
	assert.Equal(t, "none", FeatureNone.String())
}

func TestVoiceHasLanguage(t *testing.T) {
	v := mustVoice(t, "p", "n", "i", "en-US", "hy")
	assert.True(t, v.HasLanguage("en-us"))
	assert.True(t, v.HasLanguage("hy"))
	assert.False(t, v.HasLanguage("en"))
}

func TestVoiceLanguagesAreCopied(t *testing.T) {
	langs := []string{"en"}
	v, err := NewVoice("p", VoiceDescription{Identifier: "i", Languages: langs})
	require.NoError(t, err)
	langs[0] = "fr"
	v.Languages()[0] = "de"
	assert.Equal(t, []string{"en"}, v.Languages())
}
