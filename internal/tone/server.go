package tone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

const errUnknownVoice = "org.loqa.Tone.Error.UnknownVoice"

// Server exports the provider interface on a bus connection.
type Server struct {
	conn  *dbus.Conn
	name  string
	path  dbus.ObjectPath
	props *prop.Properties
	synth Synth
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// methods holds only what is exported as the provider interface.
type methods struct {
	s *Server
}

// Serve exports the provider on conn under name and requests the name.
func Serve(conn *dbus.Conn, name string, log *slog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conn:   conn,
		name:   name,
		path:   bus.ObjectPath(name),
		log:    log.With(slog.String("component", "tone-provider")),
		ctx:    ctx,
		cancel: cancel,
	}

	m := methods{s: s}
	if err := conn.Export(m, s.path, bus.ProviderInterface); err != nil {
		cancel()
		return nil, fmt.Errorf("export provider: %w", err)
	}
	props, err := prop.Export(conn, s.path, prop.Map{
		bus.ProviderInterface: {
			"Name":   {Value: "Loqa Tone", Emit: prop.EmitTrue},
			"Voices": {Value: bus.EncodeVoices(Voices()), Emit: prop.EmitTrue},
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("export properties: %w", err)
	}
	s.props = props

	node := &introspect.Node{
		Name: string(s.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:       bus.ProviderInterface,
				Methods:    introspect.Methods(m),
				Properties: props.Introspection(bus.ProviderInterface),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), s.path, "org.freedesktop.DBus.Introspectable"); err != nil {
		cancel()
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		cancel()
		return nil, fmt.Errorf("name %s already taken", name)
	}
	s.log.Info("serving speech provider", slog.String("name", name), slog.String("path", string(s.path)))
	return s, nil
}

// SetVoices replaces the advertised voices and notifies listeners.
func (s *Server) SetVoices(descs []speech.VoiceDescription) {
	s.props.SetMust(bus.ProviderInterface, "Voices", bus.EncodeVoices(descs))
}

// Close releases the name and waits for running syntheses to stop.
func (s *Server) Close() error {
	s.cancel()
	_, err := s.conn.ReleaseName(s.name)
	s.wg.Wait()
	return err
}

// Synthesize writes the utterance into fd and returns once it is done.
func (m methods) Synthesize(fd dbus.UnixFD, text, voiceID string, pitch, rate float64, ssml bool, language string) *dbus.Error {
	s := m.s
	s.wg.Add(1)
	defer s.wg.Done()

	f := os.NewFile(uintptr(fd), "synthesis")
	defer f.Close()

	req := speech.SynthesisRequest{Text: text, VoiceID: voiceID, Pitch: pitch, Rate: rate, SSML: ssml, Language: language}
	err := s.synth.Write(s.ctx, f, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownVoice):
		return dbus.NewError(errUnknownVoice, []interface{}{err.Error()})
	case errors.Is(err, syscall.EPIPE), errors.Is(err, context.Canceled):
		// The reader went away; nothing left to report.
		s.log.Debug("synthesis abandoned", slog.String("voice", voiceID), slog.String("error", err.Error()))
		return nil
	default:
		s.log.Warn("synthesis failed", slog.String("voice", voiceID), slog.String("error", err.Error()))
		return dbus.MakeFailedError(err)
	}
}
