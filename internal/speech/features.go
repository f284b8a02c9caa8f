package speech

import "strings"

// VoiceFeature is the set of optional capabilities a voice advertises.
// Only the lower 32 bits carry meaning.
type VoiceFeature uint32

const (
	FeatureNone                      VoiceFeature = 0
	FeatureEventsWord                VoiceFeature = 1 << 0
	FeatureEventsSentence            VoiceFeature = 1 << 1
	FeatureEventsRange               VoiceFeature = 1 << 2
	FeatureEventsSSMLMark            VoiceFeature = 1 << 3
	FeatureSSMLSayAsDate             VoiceFeature = 1 << 4
	FeatureSSMLSayAsTime             VoiceFeature = 1 << 5
	FeatureSSMLSayAsTelephone        VoiceFeature = 1 << 6
	FeatureSSMLSayAsCharacters       VoiceFeature = 1 << 7
	FeatureSSMLSayAsCharactersGlyphs VoiceFeature = 1 << 8
	FeatureSSMLSayAsCardinal         VoiceFeature = 1 << 9
	FeatureSSMLSayAsOrdinal          VoiceFeature = 1 << 10
	FeatureSSMLSayAsCurrency         VoiceFeature = 1 << 11
	FeatureSSMLBreak                 VoiceFeature = 1 << 12
	FeatureSSMLSub                   VoiceFeature = 1 << 13
	FeatureSSMLPhoneme               VoiceFeature = 1 << 14
	FeatureSSMLEmphasis              VoiceFeature = 1 << 15
	FeatureSSMLProsody               VoiceFeature = 1 << 16
	FeatureSSMLSentenceParagraph     VoiceFeature = 1 << 17
	FeatureSSMLToken                 VoiceFeature = 1 << 18
)

var featureNames = []struct {
	flag VoiceFeature
	name string
}{
	{FeatureEventsWord, "events-word"},
	{FeatureEventsSentence, "events-sentence"},
	{FeatureEventsRange, "events-range"},
	{FeatureEventsSSMLMark, "events-ssml-mark"},
	{FeatureSSMLSayAsDate, "ssml-say-as-date"},
	{FeatureSSMLSayAsTime, "ssml-say-as-time"},
	{FeatureSSMLSayAsTelephone, "ssml-say-as-telephone"},
	{FeatureSSMLSayAsCharacters, "ssml-say-as-characters"},
	{FeatureSSMLSayAsCharactersGlyphs, "ssml-say-as-characters-glyphs"},
	{FeatureSSMLSayAsCardinal, "ssml-say-as-cardinal"},
	{FeatureSSMLSayAsOrdinal, "ssml-say-as-ordinal"},
	{FeatureSSMLSayAsCurrency, "ssml-say-as-currency"},
	{FeatureSSMLBreak, "ssml-break"},
	{FeatureSSMLSub, "ssml-sub"},
	{FeatureSSMLPhoneme, "ssml-phoneme"},
	{FeatureSSMLEmphasis, "ssml-emphasis"},
	{FeatureSSMLProsody, "ssml-prosody"},
	{FeatureSSMLSentenceParagraph, "ssml-sentence-paragraph"},
	{FeatureSSMLToken, "ssml-token"},
}

func (f VoiceFeature) Has(flag VoiceFeature) bool {
	return f&flag == flag
}

// String lists the set flags separated by '|', or "none".
func (f VoiceFeature) String() string {
	if f == FeatureNone {
		return "none"
	}
	var names []string
	for _, fn := range featureNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
