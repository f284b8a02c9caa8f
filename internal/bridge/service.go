// Package bridge exposes a speaker on NATS: speak and control requests
// come in, every speaker signal goes out as an event.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speaker"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

const requestTimeout = 10 * time.Second

type Service struct {
	cfg    config.BridgeConfig
	conn   *nats.Conn
	spk    *speaker.Speaker
	subs   []*nats.Subscription
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	started bool
}

func NewService(parent context.Context, cfg config.BridgeConfig, client *Client, spk *speaker.Speaker, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		conn:   client.Conn(),
		spk:    spk,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "bridge")),
		clock:  time.Now,
	}
}

// Start subscribes to the request subjects and begins publishing events.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	prefix := s.cfg.SubjectPrefix
	handlers := map[string]nats.MsgHandler{
		protocol.SpeakSubject(prefix):   s.handleSpeak,
		protocol.ControlSubject(prefix): s.handleControl,
		protocol.VoicesSubject(prefix):  s.handleVoices,
	}
	for subject, h := range handlers {
		sub, err := s.conn.Subscribe(subject, h)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	// Make sure the server knows about the subscriptions before anyone is
	// told the bridge is up.
	if err := s.conn.Flush(); err != nil {
		s.drain()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.unsub = s.spk.Subscribe(s.publish)

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.logger.Info("bridge started", slog.String("prefix", prefix))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.unsub != nil {
		s.unsub()
	}
	s.drain()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.conn.Status() == nats.CONNECTED
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.reply(msg, protocol.SpeakReply{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	u := speech.NewUtterance(req.Text)
	u.SetSSML(req.SSML)
	u.SetLanguage(req.Language)
	if req.Pitch != nil {
		u.SetPitch(*req.Pitch)
	}
	if req.Rate != nil {
		u.SetRate(*req.Rate)
	}
	if req.Volume != nil {
		u.SetVolume(*req.Volume)
	}
	if req.Voice != "" {
		v, err := s.spk.Registry().FindVoice(req.Provider, req.Voice)
		if err != nil {
			s.reply(msg, protocol.SpeakReply{Error: err.Error()})
			return
		}
		u.SetVoice(v)
	}

	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()
	if err := s.spk.Speak(ctx, u); err != nil {
		s.logger.Warn("speak request failed", slogError(err))
		s.reply(msg, protocol.SpeakReply{Error: err.Error(), Code: string(speech.CodeOf(err))})
		return
	}

	out := protocol.SpeakReply{UtteranceID: u.ID()}
	if v := u.Voice(); v != nil {
		out.Voice = v.Identifier()
		out.Provider = v.ProviderID()
	}
	s.reply(msg, out)
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode control request", slogError(err))
		s.reply(msg, protocol.ControlReply{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	var out protocol.ControlReply
	switch req.Action {
	case protocol.ActionPause:
		s.spk.Pause()
	case protocol.ActionResume:
		s.spk.Resume()
	case protocol.ActionCancel:
		s.spk.Cancel()
	default:
		out.Error = fmt.Sprintf("unknown action %q", req.Action)
	}
	out.Speaking = s.spk.Speaking()
	out.Paused = s.spk.Paused()
	s.reply(msg, out)
}

func (s *Service) handleVoices(msg *nats.Msg) {
	voices := s.spk.Voices().Items()
	out := protocol.VoicesReply{Voices: make([]protocol.VoiceInfo, 0, len(voices))}
	for _, v := range voices {
		out.Voices = append(out.Voices, protocol.DescribeVoice(v))
	}
	s.reply(msg, out)
}

// publish runs on the speaker loop and must not block.
func (s *Service) publish(ev speaker.Event) {
	out := protocol.Event{Kind: ev.Kind.String(), Timestamp: s.clock().UTC()}
	switch ev.Kind {
	case speaker.SpeakingChanged:
		out.Speaking = &ev.Speaking
	case speaker.PausedChanged:
		out.Paused = &ev.Paused
	default:
		out.UtteranceID = ev.Utterance.ID()
		out.Start, out.End, out.Mark = ev.Start, ev.End, ev.Mark
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
		out.Code = string(speech.CodeOf(ev.Err))
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Warn("failed to marshal event", slogError(err))
		return
	}
	if err := s.conn.Publish(protocol.EventSubject(s.cfg.SubjectPrefix, out.Kind), data); err != nil {
		s.logger.Warn("failed to publish event", slog.String("kind", out.Kind), slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
