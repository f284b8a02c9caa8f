// Package bustest provides an in-memory message bus and scriptable speech
// providers for tests.
package bustest

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/provider"
	"github.com/loqalabs/loqa-speech/internal/registry"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// Bus is an in-memory registry.Bus. Names are owned, released and made
// activatable explicitly; each change is delivered as the signal a real
// bus would send.
type Bus struct {
	mu          sync.Mutex
	owners      map[string]string
	activatable map[string]bool
	providers   map[string]*Provider
	ownerSeq    int
	signals     chan registry.Signal
	closed      bool
}

func NewBus() *Bus {
	return &Bus{
		owners:      make(map[string]string),
		activatable: make(map[string]bool),
		providers:   make(map[string]*Provider),
		signals:     make(chan registry.Signal, 256),
	}
}

func (b *Bus) ListNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	names := []string{"org.freedesktop.DBus"}
	for name := range b.owners {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (b *Bus) ListActivatableNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name, ok := range b.activatable {
		if ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (b *Bus) Signals() <-chan registry.Signal { return b.signals }

func (b *Bus) Proxy(name string) provider.Proxy {
	return &proxy{bus: b, name: name}
}

// Close ends the signal stream.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.signals)
	}
}

// Attach registers p without giving its name an owner or making it
// activatable. Calls to an attached provider fail until one of those
// happens.
func (b *Bus) Attach(p *Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.providers[p.id] = p
	p.mu.Lock()
	p.bus = b
	p.mu.Unlock()
}

// Start attaches p and gives its name an owner.
func (b *Bus) Start(p *Provider) {
	b.Attach(p)
	b.Own(p.id)
}

// Own gives name a fresh unique owner.
func (b *Bus) Own(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.owners[name]
	b.ownerSeq++
	owner := fmt.Sprintf(":1.%d", b.ownerSeq)
	b.owners[name] = owner
	b.emitLocked(registry.NameOwnerChanged{Name: name, OldOwner: old, NewOwner: owner})
}

// Release drops name's owner, as when the provider process exits.
func (b *Bus) Release(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.owners[name]
	if !ok {
		return
	}
	delete(b.owners, name)
	b.emitLocked(registry.NameOwnerChanged{Name: name, OldOwner: old})
}

// SetActivatable changes whether name can be started on demand.
func (b *Bus) SetActivatable(name string, activatable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activatable[name] = activatable
	b.emitLocked(registry.ActivatableServicesChanged{})
}

// Emit delivers an arbitrary signal.
func (b *Bus) Emit(sig registry.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(sig)
}

func (b *Bus) emitLocked(sig registry.Signal) {
	if b.closed {
		return
	}
	b.signals <- sig
}

func (b *Bus) reachable(name string) (*Provider, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.providers[name]
	if !ok {
		return nil, false
	}
	_, owned := b.owners[name]
	return p, owned || b.activatable[name]
}

type proxy struct {
	bus  *Bus
	name string
}

func (p *proxy) target(ctx context.Context) (*Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prov, ok := p.bus.reachable(p.name)
	if !ok {
		return nil, speech.NewError(speech.CodeProviderUnexpectedlyDied, "name %s has no owner", p.name)
	}
	return prov, nil
}

func (p *proxy) Name(ctx context.Context) (string, error) {
	prov, err := p.target(ctx)
	if err != nil {
		return "", err
	}
	return prov.Name(), nil
}

func (p *proxy) Voices(ctx context.Context) ([]speech.VoiceDescription, error) {
	prov, err := p.target(ctx)
	if err != nil {
		return nil, err
	}
	return prov.Voices(), nil
}

func (p *proxy) Synthesize(ctx context.Context, w *os.File, req speech.SynthesisRequest) error {
	prov, err := p.target(ctx)
	if err != nil {
		_ = w.Close()
		return err
	}
	return prov.synthesize(ctx, w, req)
}
