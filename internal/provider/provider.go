// Package provider wraps one speech provider on the bus: its identity, its
// observable voice list and the synthesis call.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-speech/internal/listmodel"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// NameSuffix marks bus names that belong to speech providers.
const NameSuffix = ".Speech.Provider"

// IsProviderName reports whether a bus name qualifies as a provider.
func IsProviderName(name string) bool {
	return strings.HasSuffix(name, NameSuffix) && len(name) > len(NameSuffix)
}

// Proxy is the RPC surface of a provider object.
type Proxy interface {
	Name(ctx context.Context) (string, error)
	Voices(ctx context.Context) ([]speech.VoiceDescription, error)
	// Synthesize asks the provider to write the utterance into w. It takes
	// ownership of w and closes it once the request is sent. It returns when
	// the provider reports that it will write no more.
	Synthesize(ctx context.Context, w *os.File, req speech.SynthesisRequest) error
}

// Snapshot is the provider state fetched over the bus.
type Snapshot struct {
	Name   string
	Voices []speech.VoiceDescription
}

// Fetch reads the provider's name and voices.
func Fetch(ctx context.Context, proxy Proxy) (Snapshot, error) {
	name, err := proxy.Name(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read provider name: %w", err)
	}
	voices, err := proxy.Voices(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read provider voices: %w", err)
	}
	return Snapshot{Name: name, Voices: voices}, nil
}

// Provider is the registry's handle on one provider. Voice reconciliation
// must run on the registry's loop; the accessors are safe anywhere.
type Provider struct {
	id    string
	proxy Proxy
	log   *slog.Logger

	mu   sync.RWMutex
	name string

	activatable atomic.Bool
	owned       atomic.Bool

	voices *listmodel.List[*speech.Voice]
	keys   map[string]*speech.Voice
}

func New(id string, proxy Proxy, log *slog.Logger) *Provider {
	return &Provider{
		id:     id,
		name:   id,
		proxy:  proxy,
		log:    log.With(slog.String("component", "provider"), slog.String("provider", id)),
		voices: listmodel.New(func(a, b *speech.Voice) bool { return a.Equal(b) }),
		keys:   make(map[string]*speech.Voice),
	}
}

// ID is the provider's well-known bus name.
func (p *Provider) ID() string { return p.id }

// Name is the human readable name the provider reports.
func (p *Provider) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *Provider) SetName(name string) {
	if name == "" {
		name = p.id
	}
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

func (p *Provider) Activatable() bool     { return p.activatable.Load() }
func (p *Provider) SetActivatable(a bool) { p.activatable.Store(a) }

// Owned reports whether the provider's bus name currently has an owner.
func (p *Provider) Owned() bool     { return p.owned.Load() }
func (p *Provider) SetOwned(o bool) { p.owned.Store(o) }

// Voices is the provider's observable voice list, sorted by
// speech.CompareVoices.
func (p *Provider) Voices() *listmodel.List[*speech.Voice] { return p.voices }

// Voice looks up one of the provider's voices by identifier.
func (p *Provider) Voice(identifier string) *speech.Voice {
	v, _ := p.voices.Find(func(v *speech.Voice) bool { return v.Identifier() == identifier })
	return v
}

// Apply takes a fetched snapshot.
func (p *Provider) Apply(s Snapshot) bool {
	p.SetName(s.Name)
	return p.Reconcile(s.Voices)
}

// Reconcile replaces the voice list with descs and reports whether it
// changed. Voices already present keep their identity. An empty snapshot
// from an activatable provider without an owner is ignored: the provider is
// merely not running and its voices stay valid.
func (p *Provider) Reconcile(descs []speech.VoiceDescription) bool {
	if len(descs) == 0 && p.Activatable() && !p.Owned() {
		return false
	}

	next := make([]*speech.Voice, 0, len(descs))
	keys := make(map[string]*speech.Voice, len(descs))
	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		if reserved := d.ReservedFeatures(); reserved != 0 {
			p.log.Warn("voice uses reserved feature bits",
				slog.String("voice", d.Identifier), slog.Uint64("bits", reserved))
		}
		if _, dup := seen[d.Identifier]; dup {
			p.log.Warn("duplicate voice identifier", slog.String("voice", d.Identifier))
			continue
		}
		v, err := speech.NewVoice(p.id, d)
		if err != nil {
			p.log.Warn("skipping invalid voice", slog.String("error", err.Error()))
			continue
		}
		seen[d.Identifier] = struct{}{}
		if existing, ok := p.keys[v.Key()]; ok {
			v = existing
		}
		keys[v.Key()] = v
		next = append(next, v)
	}
	slices.SortFunc(next, speech.CompareVoices)

	p.keys = keys
	_, changed := p.voices.Replace(next)
	return changed
}

// Synthesize starts synthesis of req into w, which the provider owns from
// here on. Remote failures already classified by the proxy keep their
// code; anything else is an internal provider failure.
func (p *Provider) Synthesize(ctx context.Context, w *os.File, req speech.SynthesisRequest) error {
	err := p.proxy.Synthesize(ctx, w, req)
	if err == nil {
		return nil
	}
	var serr *speech.Error
	if errors.As(err, &serr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return speech.NewError(speech.CodeCancelled, "synthesis cancelled").WithCause(err)
	}
	return speech.NewError(speech.CodeInternalProviderFailure, "provider %s failed to synthesize", p.id).WithCause(err)
}

// Refresh fetches the provider's current voices through its proxy.
func (p *Provider) Refresh(ctx context.Context) ([]speech.VoiceDescription, error) {
	return p.proxy.Voices(ctx)
}
