// Package speech holds the domain types shared by providers, the registry
// and speakers: voices, utterances, synthesis requests and error kinds.
package speech

// SynthesisRequest is what a provider receives alongside the pipe it must
// write the utterance's audio into.
type SynthesisRequest struct {
	Text     string
	VoiceID  string
	Pitch    float64
	Rate     float64
	SSML     bool
	Language string
}

// Request builds the synthesis request for params spoken with voiceID.
func (p UtteranceParams) Request(voiceID string) SynthesisRequest {
	return SynthesisRequest{
		Text:     p.Text,
		VoiceID:  voiceID,
		Pitch:    p.Pitch,
		Rate:     p.Rate,
		SSML:     p.SSML,
		Language: p.Language,
	}
}
