// Package protocol defines the subjects and JSON messages of the NATS
// bridge.
package protocol

import (
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/provider"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// SpeakRequest asks the daemon to queue an utterance. Unset prosody
// fields keep the utterance defaults; an empty Voice lets the daemon
// pick one for Language.
type SpeakRequest struct {
	Text     string   `json:"text"`
	SSML     bool     `json:"ssml,omitempty"`
	Voice    string   `json:"voice,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Language string   `json:"language,omitempty"`
	Pitch    *float64 `json:"pitch,omitempty"`
	Rate     *float64 `json:"rate,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
}

// SpeakReply carries the id used in every event about the utterance.
type SpeakReply struct {
	UtteranceID string `json:"utterance_id,omitempty"`
	Voice       string `json:"voice,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionCancel = "cancel"
)

type ControlRequest struct {
	Action string `json:"action"`
}

type ControlReply struct {
	Speaking bool   `json:"speaking"`
	Paused   bool   `json:"paused"`
	Error    string `json:"error,omitempty"`
}

// Event mirrors one speaker signal.
type Event struct {
	Kind        string    `json:"kind"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Start       uint32    `json:"start,omitempty"`
	End         uint32    `json:"end,omitempty"`
	Mark        string    `json:"mark,omitempty"`
	Error       string    `json:"error,omitempty"`
	Code        string    `json:"code,omitempty"`
	Speaking    *bool     `json:"speaking,omitempty"`
	Paused      *bool     `json:"paused,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// VoiceInfo describes a voice for listings.
type VoiceInfo struct {
	Name         string   `json:"name"`
	Identifier   string   `json:"identifier"`
	Provider     string   `json:"provider"`
	OutputFormat string   `json:"output_format"`
	Languages    []string `json:"languages"`
	Features     []string `json:"features,omitempty"`
}

// ProviderInfo describes a provider for listings.
type ProviderInfo struct {
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Voices      int    `json:"voices"`
	Activatable bool   `json:"activatable"`
	Running     bool   `json:"running"`
}

type VoicesReply struct {
	Voices []VoiceInfo `json:"voices"`
}

const (
	SubjectSpeakSuffix   = "speak"
	SubjectControlSuffix = "control"
	SubjectVoicesSuffix  = "voices"
	SubjectEventSegment  = "event"
)

func SpeakSubject(prefix string) string   { return prefix + "." + SubjectSpeakSuffix }
func ControlSubject(prefix string) string { return prefix + "." + SubjectControlSuffix }
func VoicesSubject(prefix string) string  { return prefix + "." + SubjectVoicesSuffix }

// EventSubject is where signals of kind are published.
func EventSubject(prefix, kind string) string {
	return prefix + "." + SubjectEventSegment + "." + kind
}

// EventWildcard matches every event subject under prefix.
func EventWildcard(prefix string) string {
	return prefix + "." + SubjectEventSegment + ".*"
}

// DescribeVoice converts v for listings.
func DescribeVoice(v *speech.Voice) VoiceInfo {
	info := VoiceInfo{
		Name:         v.Name(),
		Identifier:   v.Identifier(),
		Provider:     v.ProviderID(),
		OutputFormat: v.OutputFormat(),
		Languages:    v.Languages(),
	}
	if f := v.Features(); f != speech.FeatureNone {
		info.Features = strings.Split(f.String(), "|")
	}
	return info
}

// DescribeProvider converts p for listings.
func DescribeProvider(p *provider.Provider) ProviderInfo {
	return ProviderInfo{
		Identifier:  p.ID(),
		Name:        p.Name(),
		Voices:      p.Voices().Len(),
		Activatable: p.Activatable(),
		Running:     p.Owned(),
	}
}
