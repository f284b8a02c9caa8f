package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/prefs"
	"github.com/loqalabs/loqa-speech/internal/registry"
	"github.com/loqalabs/loqa-speech/internal/speaker"
)

// Speech is everything needed to speak: the bus connection, the stored
// voice preferences and a speaker over the shared registry.
type Speech struct {
	Bus     *bus.Client
	Prefs   prefs.Store
	Speaker *speaker.Speaker

	closeOnce sync.Once
	closeErr  error
}

// SpeechOptions overrides parts of the configuration for one caller.
type SpeechOptions struct {
	// Sink replaces the configured sink when set.
	Sink audio.Sink
}

// OpenSpeech connects to the bus, opens the preference store and builds
// a speaker. The registry is shared with any other speaker in the process.
func OpenSpeech(ctx context.Context, cfg config.Config, opts SpeechOptions, log *slog.Logger) (*Speech, error) {
	store, err := OpenPrefs(ctx, cfg.Preferences, log)
	if err != nil {
		return nil, err
	}

	client, err := bus.Connect(ctx, cfg.DBus, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sink := opts.Sink
	if sink == nil {
		sink, err = audio.NewSink(audio.SinkOptions{
			Kind:    cfg.Audio.Sink,
			Command: cfg.Audio.Command,
			Path:    cfg.Audio.OutputPath,
		}, log)
		if err != nil {
			client.Close()
			_ = store.Close()
			return nil, fmt.Errorf("create audio sink: %w", err)
		}
	}

	open := func(ctx context.Context) (*registry.Registry, error) {
		return registry.New(ctx, client, registry.Options{
			Prefs:        store,
			Logger:       log,
			CollectLimit: cfg.DBus.CollectConcurrency,
		})
	}
	spk, err := speaker.Open(ctx, open, speaker.Options{Sink: sink, Logger: log})
	if err != nil {
		client.Close()
		_ = store.Close()
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	return &Speech{Bus: client, Prefs: store, Speaker: spk}, nil
}

// Close stops the speaker, closes its sink when the sink holds a file or
// process, and releases the bus and the preference store. Only the first
// call does anything.
func (s *Speech) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.Speaker != nil {
			s.Speaker.Close()
			if c, ok := s.Speaker.Sink().(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close audio sink: %w", err))
				}
			}
		}
		if s.Bus != nil {
			s.Bus.Close()
		}
		if s.Prefs != nil {
			if err := s.Prefs.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close preferences: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// OpenPrefs opens the preference store and seeds the configured default
// voice when none is stored yet.
func OpenPrefs(ctx context.Context, cfg config.PreferencesConfig, log *slog.Logger) (prefs.Store, error) {
	store, err := prefs.OpenBadger(prefs.BadgerOptions{Dir: cfg.Path, InMemory: cfg.InMemory, Logger: log})
	if err != nil {
		return nil, err
	}
	if cfg.DefaultProvider == "" {
		return store, nil
	}
	if _, ok, err := store.DefaultVoice(ctx); err == nil && !ok {
		ref := prefs.VoiceRef{Provider: cfg.DefaultProvider, Voice: cfg.DefaultVoice}
		if err := store.SetDefaultVoice(ctx, ref); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed default voice: %w", err)
		}
	}
	return store, nil
}

// LogLevel maps a configured level name to a slog level; unknown names
// mean info.
func LogLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const shutdownTimeout = 10 * time.Second
