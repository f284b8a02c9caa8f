package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/prefs"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// VoiceFor picks the voice for an utterance. An explicit voice wins. With a
// language hint the preferences are consulted for the tag and its
// truncations; only when no tag is mapped is the default voice tried. A
// preference that names a missing voice falls back to the first voice
// speaking the language, otherwise the first voice overall.
func (r *Registry) VoiceFor(ctx context.Context, explicit *speech.Voice, language string) (*speech.Voice, error) {
	if explicit != nil {
		return explicit, nil
	}

	if r.prefs != nil {
		mapped := false
		if language != "" {
			var v *speech.Voice
			if v, mapped = r.preferredForLanguage(ctx, language); v != nil {
				return v, nil
			}
		}
		if !mapped {
			if v := r.defaultVoice(ctx); v != nil {
				return v, nil
			}
		}
	}

	voices := r.voices.Items()
	if language != "" {
		for _, v := range voices {
			if v.HasLanguage(language) {
				return v, nil
			}
		}
	}
	if len(voices) == 0 {
		return nil, speech.NewError(speech.CodeNoProviders, "no voices available")
	}
	return voices[0], nil
}

// preferredForLanguage returns the mapped voice for the first tag that has
// a mapping. mapped is true when a mapping was found, even if its voice is
// gone.
func (r *Registry) preferredForLanguage(ctx context.Context, language string) (v *speech.Voice, mapped bool) {
	for _, tag := range fallbackTags(language) {
		ref, ok, err := r.prefs.LanguageVoice(ctx, tag)
		if err != nil {
			r.log.Warn("failed to read language preference", slog.String("language", tag), slog.String("error", err.Error()))
			return nil, false
		}
		if !ok {
			continue
		}
		if v := r.lookup(ref); v != nil {
			return v, true
		}
		r.log.Debug("preferred voice not available", slog.String("language", tag), slog.String("voice", ref.String()))
		return nil, true
	}
	return nil, false
}

func (r *Registry) defaultVoice(ctx context.Context) *speech.Voice {
	ref, ok, err := r.prefs.DefaultVoice(ctx)
	if err != nil {
		r.log.Warn("failed to read default voice", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return nil
	}
	if v := r.lookup(ref); v != nil {
		return v
	}
	r.log.Debug("default voice not available", slog.String("voice", ref.String()))
	return nil
}

func (r *Registry) lookup(ref prefs.VoiceRef) *speech.Voice {
	p := r.Provider(ref.Provider)
	if p == nil {
		return nil
	}
	return p.Voice(ref.Voice)
}

// fallbackTags lists tag followed by its RFC 4647 lookup truncations:
// "en-US-x-foo" yields "en-US-x-foo", "en-US" and "en". A single character
// subtag left at the end of a truncation is dropped with it.
func fallbackTags(tag string) []string {
	var out []string
	for tag != "" {
		out = append(out, tag)
		i := strings.LastIndexByte(tag, '-')
		if i < 0 {
			break
		}
		tag = tag[:i]
		if j := strings.LastIndexByte(tag, '-'); j >= 0 && len(tag)-j-1 == 1 {
			tag = tag[:j]
		}
	}
	return out
}

// ErrUnknownVoice is returned by FindVoice.
var ErrUnknownVoice = errors.New("unknown voice")

// FindVoice looks a voice up by identifier, within providerID when it is
// not empty. Without a provider the first voice in list order wins.
func (r *Registry) FindVoice(providerID, voiceID string) (*speech.Voice, error) {
	if providerID != "" {
		p := r.Provider(providerID)
		if p == nil {
			return nil, fmt.Errorf("%w: no provider %s", ErrUnknownVoice, providerID)
		}
		if v := p.Voice(voiceID); v != nil {
			return v, nil
		}
		return nil, fmt.Errorf("%w: %s has no voice %s", ErrUnknownVoice, providerID, voiceID)
	}
	for _, v := range r.voices.Items() {
		if v.Identifier() == voiceID {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrUnknownVoice, voiceID)
}
