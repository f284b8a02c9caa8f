// Package tone is a reference speech provider. It "speaks" every word as a
// short sine burst, which is enough to exercise the whole path from the
// bus to the sink without a real synthesizer.
package tone

import (
	"context"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/stream"
)

// BusName is the well-known name the provider owns.
const BusName = "org.loqa.Tone.Speech.Provider"

const (
	FramedVoice = "tone"
	RawVoice    = "tone-raw"

	SampleRate = 22050
	caps       = "format=S16LE,channels=1,rate=22050"

	wordLength = 150 * time.Millisecond
	gapLength  = 50 * time.Millisecond
	baseFreq   = 220.0
	amplitude  = 0.3 * math.MaxInt16
	fadeLength = 5 * time.Millisecond
)

var ErrUnknownVoice = errors.New("unknown voice")

// Voices lists what the provider offers: one voice with word and mark
// events, one bare PCM voice.
func Voices() []speech.VoiceDescription {
	return []speech.VoiceDescription{
		{
			Name:         "Tone",
			Identifier:   FramedVoice,
			OutputFormat: "audio/x-spiel," + caps,
			Features: uint64(speech.FeatureEventsWord | speech.FeatureEventsSentence |
				speech.FeatureEventsSSMLMark | speech.FeatureSSMLBreak),
			Languages: []string{"en", "en-US"},
		},
		{
			Name:         "Tone Raw",
			Identifier:   RawVoice,
			OutputFormat: "audio/x-raw," + caps,
			Languages:    []string{"en"},
		},
	}
}

type segmentKind int

const (
	segWord segmentKind = iota
	segSentence
	segMark
	segBreak
)

type segment struct {
	kind       segmentKind
	start, end uint32
	mark       string
	pause      time.Duration
}

// Synth renders utterances.
type Synth struct{}

// Write renders req into w, framed or raw depending on the voice.
func (Synth) Write(ctx context.Context, w io.Writer, req speech.SynthesisRequest) error {
	var framed bool
	switch req.VoiceID {
	case FramedVoice:
		framed = true
	case RawVoice:
	default:
		return fmt.Errorf("%w %q", ErrUnknownVoice, req.VoiceID)
	}

	segs, err := segments(req.Text, req.SSML)
	if err != nil {
		return err
	}

	var sw *stream.Writer
	if framed {
		sw = stream.NewWriter(w)
		if err := sw.WriteHeader(); err != nil {
			return err
		}
	}
	rate := max(req.Rate, speech.MinRate)
	// Pitch 1 is the base frequency; each unit up or down is an octave.
	freq := baseFreq * math.Exp2(req.Pitch-speech.DefaultPitch)
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var pcm []byte
		switch seg.kind {
		case segWord:
			if framed {
				if err := sw.WriteEvent(stream.Event{Type: stream.EventWord, RangeStart: seg.start, RangeEnd: seg.end}); err != nil {
					return err
				}
			}
			pcm = append(sine(scale(wordLength, rate), freq), silence(scale(gapLength, rate))...)
		case segSentence:
			if framed {
				if err := sw.WriteEvent(stream.Event{Type: stream.EventSentence, RangeStart: seg.start, RangeEnd: seg.end}); err != nil {
					return err
				}
			}
			continue
		case segMark:
			if framed {
				if err := sw.WriteEvent(stream.Event{Type: stream.EventMark, Mark: seg.mark}); err != nil {
					return err
				}
			}
			continue
		case segBreak:
			pcm = silence(seg.pause)
		}
		if framed {
			err = sw.WriteAudio(pcm)
		} else {
			_, err = w.Write(pcm)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func scale(d time.Duration, rate float64) time.Duration {
	return time.Duration(float64(d) / rate)
}

func samples(d time.Duration) int {
	return int(d.Seconds() * SampleRate)
}

func sine(d time.Duration, freq float64) []byte {
	n := samples(d)
	fade := samples(fadeLength)
	out := make([]byte, 2*n)
	for i := range n {
		env := 1.0
		if i < fade {
			env = float64(i) / float64(fade)
		} else if n-i < fade {
			env = float64(n-i) / float64(fade)
		}
		v := amplitude * env * math.Sin(2*math.Pi*freq*float64(i)/SampleRate)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

func silence(d time.Duration) []byte {
	return make([]byte, 2*samples(d))
}

func segments(text string, ssml bool) ([]segment, error) {
	if !ssml {
		return textSegments(text, 0), nil
	}
	return ssmlSegments(text)
}

// textSegments splits text into words and sentences. Offsets count
// characters (runes) of the utterance text, shifted by base.
func textSegments(text string, base int) []segment {
	runes := []rune(text)
	var out []segment
	sentence := -1
	for i := 0; i < len(runes); {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}
		if sentence < 0 {
			out = append(out, segment{kind: segSentence, start: uint32(base + i)})
			sentence = len(out) - 1
		}
		j := i
		for j < len(runes) && !unicode.IsSpace(runes[j]) {
			j++
		}
		out = append(out, segment{kind: segWord, start: uint32(base + i), end: uint32(base + j)})
		out[sentence].end = uint32(base + j)
		if strings.ContainsRune(".!?", runes[j-1]) {
			sentence = -1
		}
		i = j
	}
	return out
}

func ssmlSegments(text string) ([]segment, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	var out []segment
	for {
		offset := int(dec.InputOffset())
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse ssml: %w", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			// Offsets stay exact as long as the text carries no entities.
			out = append(out, textSegments(string(t), utf8.RuneCountInString(text[:offset]))...)
		case xml.StartElement:
			switch t.Name.Local {
			case "mark":
				out = append(out, segment{kind: segMark, mark: attr(t, "name")})
			case "break":
				d, err := time.ParseDuration(attr(t, "time"))
				if err != nil {
					d = 250 * time.Millisecond
				}
				out = append(out, segment{kind: segBreak, pause: d})
			}
		}
	}
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
