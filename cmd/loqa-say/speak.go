package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/runtime"
	"github.com/loqalabs/loqa-speech/internal/speaker"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

var speakOpts struct {
	voice    string
	provider string
	language string
	pitch    float64
	rate     float64
	volume   float64
	ssml     bool
	output   string
	quiet    bool
}

var speakCmd = &cobra.Command{
	Use:   "speak TEXT...",
	Short: "Speak text and wait until it is done",
	Long: `Speak text through a provider and wait until it finishes.

Without --voice a voice is picked from the stored preferences for
--language, then from the voices that list the language.

Examples:
  loqa-say speak "Hello there"
  loqa-say speak --language de "Guten Tag"
  loqa-say speak --provider org.loqa.Tone.Speech.Provider --voice tone --rate 1.5 "Quickly now"
  loqa-say speak --output hello.wav "Hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSpeak,
}

func init() {
	f := speakCmd.Flags()
	f.StringVar(&speakOpts.voice, "voice", "", "Voice identifier")
	f.StringVar(&speakOpts.provider, "provider", "", "Provider of --voice")
	f.StringVarP(&speakOpts.language, "language", "l", "", "BCP-47 language tag")
	f.Float64Var(&speakOpts.pitch, "pitch", speech.DefaultPitch, "Pitch, 0 to 2")
	f.Float64Var(&speakOpts.rate, "rate", speech.DefaultRate, "Rate, 0.1 to 10")
	f.Float64Var(&speakOpts.volume, "volume", speech.DefaultVolume, "Volume, 0 to 1")
	f.BoolVar(&speakOpts.ssml, "ssml", false, "Treat TEXT as SSML")
	f.StringVarP(&speakOpts.output, "output", "o", "", "Write audio to this WAV file instead of playing it")
	f.BoolVarP(&speakOpts.quiet, "quiet", "q", false, "Do not print progress")
}

func runSpeak(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts runtime.SpeechOptions
	if speakOpts.output != "" {
		opts.Sink = audio.NewWAVSink(speakOpts.output)
	}
	sp, err := runtime.OpenSpeech(ctx, cfg, opts, newLogger())
	if err != nil {
		return err
	}
	defer sp.Close()

	text := strings.Join(args, " ")
	u := speech.NewUtterance(text)
	u.SetSSML(speakOpts.ssml)
	u.SetLanguage(speakOpts.language)
	u.SetPitch(speakOpts.pitch)
	u.SetRate(speakOpts.rate)
	u.SetVolume(speakOpts.volume)
	if speakOpts.voice != "" {
		v, err := sp.Speaker.Registry().FindVoice(speakOpts.provider, speakOpts.voice)
		if err != nil {
			return err
		}
		u.SetVoice(v)
	}

	events := make(chan speaker.Event, 64)
	unsubscribe := sp.Speaker.Subscribe(func(ev speaker.Event) {
		if ev.Utterance == u {
			events <- ev
		}
	})
	defer unsubscribe()

	if err := sp.Speaker.Speak(ctx, u); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			sp.Speaker.Cancel()
			ctx = context.Background()
		case ev := <-events:
			if !speakOpts.quiet {
				printProgress(out, text, ev)
			}
			switch ev.Kind {
			case speaker.UtteranceFinished:
				if speakOpts.output == "" {
					return nil
				}
				// The WAV header is only complete once the sink is closed.
				if err := sp.Close(); err != nil {
					return err
				}
				if !speakOpts.quiet {
					fmt.Fprintln(out, styles.OK.Render("wrote "+speakOpts.output))
				}
				return nil
			case speaker.UtteranceCanceled:
				return fmt.Errorf("canceled")
			case speaker.UtteranceError:
				return ev.Err
			}
		}
	}
}

func printProgress(w io.Writer, text string, ev speaker.Event) {
	switch ev.Kind {
	case speaker.UtteranceStarted:
		v := ev.Utterance.Voice()
		fmt.Fprintln(w, styles.Dim.Render(fmt.Sprintf("speaking with %s (%s)", v.Name(), v.ProviderID())))
	case speaker.WordStarted, speaker.SentenceStarted, speaker.RangeStarted:
		fmt.Fprintln(w, highlight(text, ev.Start, ev.End))
	case speaker.MarkReached:
		fmt.Fprintln(w, styles.Dim.Render("mark "+ev.Mark))
	}
}
