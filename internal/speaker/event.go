package speaker

import (
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/stream"
)

// EventKind names a speaker signal.
type EventKind int

const (
	UtteranceStarted EventKind = iota + 1
	WordStarted
	SentenceStarted
	RangeStarted
	MarkReached
	UtteranceFinished
	UtteranceCanceled
	UtteranceError
	SpeakingChanged
	PausedChanged
)

var kindNames = map[EventKind]string{
	UtteranceStarted:  "utterance-started",
	WordStarted:       "word-started",
	SentenceStarted:   "sentence-started",
	RangeStarted:      "range-started",
	MarkReached:       "mark-reached",
	UtteranceFinished: "utterance-finished",
	UtteranceCanceled: "utterance-canceled",
	UtteranceError:    "utterance-error",
	SpeakingChanged:   "speaking-changed",
	PausedChanged:     "paused-changed",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEventKind is the inverse of String.
func ParseEventKind(name string) (EventKind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Terminal reports whether k ends an utterance.
func (k EventKind) Terminal() bool {
	return k == UtteranceFinished || k == UtteranceCanceled || k == UtteranceError
}

// Event is one speaker signal. Utterance is nil for SpeakingChanged and
// PausedChanged; Start and End are set for the word, sentence and range
// kinds; Mark for MarkReached; Err for UtteranceError.
type Event struct {
	Kind      EventKind
	Utterance *speech.Utterance
	Start     uint32
	End       uint32
	Mark      string
	Err       error
	Speaking  bool
	Paused    bool
}

func progressEvent(u *speech.Utterance, ev stream.Event) (Event, bool) {
	out := Event{Utterance: u, Start: ev.RangeStart, End: ev.RangeEnd}
	switch ev.Type {
	case stream.EventWord:
		out.Kind = WordStarted
	case stream.EventSentence:
		out.Kind = SentenceStarted
	case stream.EventRange:
		out.Kind = RangeStarted
	case stream.EventMark:
		out = Event{Kind: MarkReached, Utterance: u, Mark: ev.Mark}
	default:
		return Event{}, false
	}
	return out, true
}
