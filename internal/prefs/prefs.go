// Package prefs stores the user's voice choices: a default voice and a
// mapping from language tags to voices.
package prefs

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
)

// VoiceRef names a voice by provider and voice identifier.
type VoiceRef struct {
	Provider string `json:"provider"`
	Voice    string `json:"voice"`
}

func (r VoiceRef) String() string { return r.Provider + "/" + r.Voice }

func (r VoiceRef) validate() error {
	if r.Provider == "" || r.Voice == "" {
		return errors.New("voice reference needs a provider and a voice")
	}
	return nil
}

// Lookup is the read side consulted during voice resolution.
type Lookup interface {
	LanguageVoice(ctx context.Context, tag string) (VoiceRef, bool, error)
	DefaultVoice(ctx context.Context) (VoiceRef, bool, error)
}

// Store adds management of the stored choices.
type Store interface {
	Lookup
	SetDefaultVoice(ctx context.Context, ref VoiceRef) error
	ClearDefaultVoice(ctx context.Context) error
	MapLanguage(ctx context.Context, tag string, ref VoiceRef) error
	UnmapLanguage(ctx context.Context, tag string) error
	Mappings(ctx context.Context) (map[string]VoiceRef, error)
	Close() error
}

// normalizeTag lower-cases a BCP-47 tag; tags compare case-insensitively.
func normalizeTag(tag string) (string, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return "", errors.New("language tag must not be empty")
	}
	return tag, nil
}

// Memory keeps preferences in process memory.
type Memory struct {
	mu       sync.RWMutex
	def      *VoiceRef
	mappings map[string]VoiceRef
}

func NewMemory() *Memory {
	return &Memory{mappings: make(map[string]VoiceRef)}
}

func (m *Memory) LanguageVoice(_ context.Context, tag string) (VoiceRef, bool, error) {
	key, err := normalizeTag(tag)
	if err != nil {
		return VoiceRef{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.mappings[key]
	return ref, ok, nil
}

func (m *Memory) DefaultVoice(context.Context) (VoiceRef, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.def == nil {
		return VoiceRef{}, false, nil
	}
	return *m.def, true, nil
}

func (m *Memory) SetDefaultVoice(_ context.Context, ref VoiceRef) error {
	if err := ref.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.def = &ref
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearDefaultVoice(context.Context) error {
	m.mu.Lock()
	m.def = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) MapLanguage(_ context.Context, tag string, ref VoiceRef) error {
	key, err := normalizeTag(tag)
	if err != nil {
		return err
	}
	if err := ref.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.mappings[key] = ref
	m.mu.Unlock()
	return nil
}

func (m *Memory) UnmapLanguage(_ context.Context, tag string) error {
	key, err := normalizeTag(tag)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.mappings, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Mappings(context.Context) (map[string]VoiceRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.mappings), nil
}

func (m *Memory) Close() error { return nil }
