package speech

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// VoiceDescription is a voice as a provider advertises it on the bus.
type VoiceDescription struct {
	Name         string
	Identifier   string
	OutputFormat string
	Features     uint64
	Languages    []string
}

// ReservedFeatures returns the bits above 32, which must be ignored.
func (d VoiceDescription) ReservedFeatures() uint64 {
	return d.Features >> 32
}

// Voice is an immutable descriptor of a synthesizable voice. It refers to
// its provider by identifier only; the registry resolves the handle.
type Voice struct {
	providerID   string
	name         string
	identifier   string
	outputFormat string
	features     VoiceFeature
	languages    []string
	key          string
}

func NewVoice(providerID string, d VoiceDescription) (*Voice, error) {
	if d.Identifier == "" {
		return nil, errors.New("voice identifier must not be empty")
	}
	if len(d.Languages) == 0 {
		return nil, fmt.Errorf("voice %q has no languages", d.Identifier)
	}
	v := &Voice{
		providerID:   providerID,
		name:         d.Name,
		identifier:   d.Identifier,
		outputFormat: d.OutputFormat,
		features:     VoiceFeature(uint32(d.Features)),
		languages:    slices.Clone(d.Languages),
	}
	v.key = voiceKey(providerID, d.Name, d.Identifier, v.languages)
	return v, nil
}

func (v *Voice) ProviderID() string      { return v.providerID }
func (v *Voice) Name() string            { return v.name }
func (v *Voice) Identifier() string      { return v.identifier }
func (v *Voice) OutputFormat() string    { return v.outputFormat }
func (v *Voice) Features() VoiceFeature  { return v.features }
func (v *Voice) Languages() []string     { return slices.Clone(v.languages) }
func (v *Voice) Key() string             { return v.key }
func (v *Voice) Equal(other *Voice) bool { return other != nil && v.key == other.key }
func (v *Voice) String() string          { return v.providerID + "/" + v.identifier }
func (v *Voice) Description() VoiceDescription {
	return VoiceDescription{
		Name:         v.name,
		Identifier:   v.identifier,
		OutputFormat: v.outputFormat,
		Features:     uint64(v.features),
		Languages:    slices.Clone(v.languages),
	}
}

// HasLanguage reports whether tag is one of the voice's languages.
// BCP-47 tags compare case-insensitively.
func (v *Voice) HasLanguage(tag string) bool {
	for _, lang := range v.languages {
		if strings.EqualFold(lang, tag) {
			return true
		}
	}
	return false
}

// CompareVoices orders voices by provider identifier, name and identifier.
func CompareVoices(a, b *Voice) int {
	if c := cmp.Compare(a.providerID, b.providerID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.name, b.name); c != 0 {
		return c
	}
	return cmp.Compare(a.identifier, b.identifier)
}

// voiceKey encodes the equality tuple with length prefixes so distinct
// tuples never collide.
func voiceKey(providerID, name, identifier string, languages []string) string {
	var b strings.Builder
	for _, part := range append([]string{providerID, name, identifier}, languages...) {
		fmt.Fprintf(&b, "%d:%s;", len(part), part)
	}
	return b.String()
}
