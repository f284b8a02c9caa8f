// Package registry discovers speech providers on the bus and keeps an
// aggregate, sorted list of every voice they offer.
package registry

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-speech/internal/listmodel"
	"github.com/loqalabs/loqa-speech/internal/mainloop"
	"github.com/loqalabs/loqa-speech/internal/prefs"
	"github.com/loqalabs/loqa-speech/internal/provider"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

const defaultCollectLimit = 8

type Options struct {
	// Loop runs every state change. When nil the registry starts its own
	// and closes it on Close.
	Loop *mainloop.Loop
	// Prefs is consulted during voice resolution. Optional.
	Prefs  prefs.Lookup
	Logger *slog.Logger
	// CollectLimit bounds concurrent provider queries.
	CollectLimit int
}

type nameState struct {
	activatable bool
	owned       bool
}

// enumeration is the outcome of listing the bus and querying the names
// found there. A nil snapshot marks a provider that failed to answer.
type enumeration struct {
	states map[string]nameState
	snaps  map[string]*provider.Snapshot
}

type pendingAdd struct {
	id     uint64
	cancel context.CancelFunc
}

// Registry tracks providers and their voices. Mutations run on the loop;
// the list models and lookups may be read from any goroutine.
type Registry struct {
	loop    *mainloop.Loop
	ownLoop bool
	bus     Bus
	prefs   prefs.Lookup
	log     *slog.Logger
	limit   int

	mu        sync.RWMutex
	providers map[string]*provider.Provider

	voices       *listmodel.List[*speech.Voice]
	providerList *listmodel.List[*provider.Provider]

	// Loop only. owned and activatable hold the latest knowledge of each
	// qualifying name; ownerGen counts owner changes per name so a
	// reconciliation can tell which of its observations went stale.
	unsubscribe     map[string]func()
	owned           map[string]bool
	activatable     map[string]bool
	ownerGen        map[string]uint64
	pendingAdds     map[string]pendingAdd
	pendingSeq      uint64
	reconcileSeq    uint64
	reconcileCancel context.CancelFunc
	closed          bool

	diedMu  sync.Mutex
	diedSeq int
	died    map[int]func(string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New enumerates the providers on bus, fetches their voices and starts
// following bus notifications. It blocks until the initial state is built.
func New(ctx context.Context, bus Bus, opts Options) (*Registry, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	limit := opts.CollectLimit
	if limit <= 0 {
		limit = defaultCollectLimit
	}
	loop, own := opts.Loop, false
	if loop == nil {
		loop, own = mainloop.New(), true
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		loop:         loop,
		ownLoop:      own,
		bus:          bus,
		prefs:        opts.Prefs,
		log:          log.With(slog.String("component", "registry")),
		limit:        limit,
		providers:    make(map[string]*provider.Provider),
		voices:       listmodel.New(func(a, b *speech.Voice) bool { return a.Equal(b) }),
		providerList: listmodel.New(func(a, b *provider.Provider) bool { return a == b }),
		unsubscribe:  make(map[string]func()),
		owned:        make(map[string]bool),
		activatable:  make(map[string]bool),
		ownerGen:     make(map[string]uint64),
		pendingAdds:  make(map[string]pendingAdd),
		died:         make(map[int]func(string)),
		ctx:          runCtx,
		cancel:       cancel,
	}

	fail := func(err error) (*Registry, error) {
		cancel()
		if own {
			loop.Close()
		}
		if ctx.Err() != nil {
			return nil, speech.NewError(speech.CodeCancelled, "registry construction cancelled").WithCause(ctx.Err())
		}
		return nil, err
	}

	en, err := r.enumerate(ctx, nil)
	if err != nil {
		return fail(err)
	}
	if ctx.Err() != nil {
		return fail(ctx.Err())
	}
	if err := loop.Invoke(ctx, func() { r.apply(en, nil) }); err != nil {
		return fail(err)
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.watch()

	r.log.Info("registry ready",
		slog.Int("providers", r.providerList.Len()),
		slog.Int("voices", r.voices.Len()))
	return r, nil
}

// Close stops following the bus. It must not be called from the loop.
func (r *Registry) Close() {
	r.cancel()
	_ = r.loop.Invoke(context.Background(), func() {
		r.closed = true
		for name := range r.pendingAdds {
			r.dropPending(name)
		}
		if r.reconcileCancel != nil {
			r.reconcileCancel()
			r.reconcileCancel = nil
		}
		for _, unsub := range r.unsubscribe {
			unsub()
		}
		clear(r.unsubscribe)
	})
	r.wg.Wait()
	if r.ownLoop {
		r.loop.Close()
	}
}

// Loop is the executor every registry and speaker mutation runs on.
func (r *Registry) Loop() *mainloop.Loop { return r.loop }

// Voices is the sorted aggregate of every provider's voices.
func (r *Registry) Voices() *listmodel.List[*speech.Voice] { return r.voices }

// Providers lists the known providers sorted by identifier.
func (r *Registry) Providers() *listmodel.List[*provider.Provider] { return r.providerList }

// Provider returns the provider registered under id, or nil.
func (r *Registry) Provider(id string) *provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[id]
}

// ProviderForVoice returns the provider that owns v, or nil once it is gone.
func (r *Registry) ProviderForVoice(v *speech.Voice) *provider.Provider {
	if v == nil {
		return nil
	}
	return r.Provider(v.ProviderID())
}

// OnProviderDied registers fn to run on the loop whenever a provider's bus
// name loses its owner. The returned func unregisters it.
func (r *Registry) OnProviderDied(fn func(providerID string)) func() {
	r.diedMu.Lock()
	r.diedSeq++
	id := r.diedSeq
	r.died[id] = fn
	r.diedMu.Unlock()
	return func() {
		r.diedMu.Lock()
		delete(r.died, id)
		r.diedMu.Unlock()
	}
}

func (r *Registry) emitDied(id string) {
	r.diedMu.Lock()
	ids := slices.Sorted(maps.Keys(r.died))
	fns := make([]func(string), 0, len(ids))
	for _, i := range ids {
		fns = append(fns, r.died[i])
	}
	r.diedMu.Unlock()

	r.log.Info("provider died", slog.String("provider", id))
	for _, fn := range fns {
		fn(id)
	}
}

func (r *Registry) watch() {
	defer r.wg.Done()
	signals := r.bus.Signals()
	for {
		select {
		case <-r.ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				r.log.Warn("bus signal stream closed")
				return
			}
			r.loop.Post(func() { r.handleSignal(sig) })
		}
	}
}

func (r *Registry) handleSignal(sig Signal) {
	if r.closed {
		return
	}
	switch s := sig.(type) {
	case ActivatableServicesChanged:
		r.startReconcile()
	case NameOwnerChanged:
		r.ownerChanged(s)
	case VoicesChanged:
		r.voicesChanged(s)
	}
}

// enumerate lists qualifying names, activatable or currently owned, and
// queries those that known reports as absent. A nil known queries all.
func (r *Registry) enumerate(ctx context.Context, known func(string) bool) (enumeration, error) {
	var owned, activatable []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		names, err := r.bus.ListNames(gctx)
		owned = names
		return err
	})
	g.Go(func() error {
		names, err := r.bus.ListActivatableNames(gctx)
		activatable = names
		return err
	})
	if err := g.Wait(); err != nil {
		return enumeration{}, err
	}

	states := make(map[string]nameState)
	for _, name := range activatable {
		if provider.IsProviderName(name) {
			st := states[name]
			st.activatable = true
			states[name] = st
		}
	}
	for _, name := range owned {
		if provider.IsProviderName(name) {
			st := states[name]
			st.owned = true
			states[name] = st
		}
	}

	var query []string
	for name := range states {
		if known == nil || !known(name) {
			query = append(query, name)
		}
	}
	return enumeration{states: states, snaps: r.collect(ctx, query)}, nil
}

// collect fetches snapshots for names concurrently. Providers that fail
// to answer are logged and recorded with a nil snapshot.
func (r *Registry) collect(ctx context.Context, names []string) map[string]*provider.Snapshot {
	var mu sync.Mutex
	out := make(map[string]*provider.Snapshot, len(names))

	var g errgroup.Group
	g.SetLimit(r.limit)
	for _, name := range names {
		g.Go(func() error {
			snap, err := provider.Fetch(ctx, r.bus.Proxy(name))
			if err != nil && ctx.Err() == nil {
				r.log.Warn("failed to query provider", slog.String("provider", name), slog.String("error", err.Error()))
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out[name] = nil
				return nil
			}
			out[name] = &snap
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// apply brings the provider set in line with an enumeration. gens holds the
// owner generations seen when the enumeration started; ownership observed
// for a name whose owner changed since then is stale and ignored. Runs on
// the loop.
func (r *Registry) apply(en enumeration, gens map[string]uint64) {
	fresh := func(name string) bool { return gens == nil || gens[name] == r.ownerGen[name] }

	r.activatable = make(map[string]bool, len(en.states))
	for name, st := range en.states {
		r.activatable[name] = st.activatable
		if fresh(name) {
			r.owned[name] = st.owned
		}
	}
	for name := range r.owned {
		if _, ok := en.states[name]; !ok && fresh(name) {
			delete(r.owned, name)
		}
	}

	for id, p := range r.snapshotProviders() {
		if !r.wanted(id) {
			r.removeProvider(id)
			continue
		}
		p.SetActivatable(r.activatable[id])
		p.SetOwned(r.owned[id])
	}
	for name := range r.pendingAdds {
		if !r.wanted(name) {
			r.dropPending(name)
		}
	}

	names := slices.Collect(maps.Keys(r.activatable))
	for name, owned := range r.owned {
		if owned && !r.activatable[name] {
			names = append(names, name)
		}
	}
	for _, name := range names {
		if !r.wanted(name) || r.Provider(name) != nil {
			continue
		}
		if _, pending := r.pendingAdds[name]; pending {
			if !fresh(name) {
				// Started by an owner change newer than this enumeration.
				continue
			}
			r.dropPending(name)
		}
		snap, queried := en.snaps[name]
		switch {
		case !queried:
			r.addAsync(name)
		case snap != nil:
			r.addProvider(name, *snap)
		}
	}
	r.rebuild()
}

// wanted reports whether name should have a provider: it is owned or
// activatable.
func (r *Registry) wanted(name string) bool {
	return r.owned[name] || r.activatable[name]
}

func (r *Registry) snapshotProviders() map[string]*provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.providers)
}

func (r *Registry) addProvider(name string, snap provider.Snapshot) {
	p := provider.New(name, r.bus.Proxy(name), r.log)
	p.SetActivatable(r.activatable[name])
	p.SetOwned(r.owned[name])
	p.Apply(snap)

	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
	r.unsubscribe[name] = p.Voices().Subscribe(func(listmodel.Change) { r.rebuild() })
	r.log.Info("provider added", slog.String("provider", name), slog.Int("voices", p.Voices().Len()))
}

func (r *Registry) removeProvider(name string) {
	if unsub, ok := r.unsubscribe[name]; ok {
		unsub()
		delete(r.unsubscribe, name)
	}
	r.mu.Lock()
	delete(r.providers, name)
	r.mu.Unlock()
	r.log.Info("provider removed", slog.String("provider", name))
}

// rebuild recomputes the aggregate lists, emitting at most one change on
// each.
func (r *Registry) rebuild() {
	providers := slices.SortedFunc(maps.Values(r.snapshotProviders()), func(a, b *provider.Provider) int {
		return cmp.Compare(a.ID(), b.ID())
	})

	var voices []*speech.Voice
	seen := make(map[string]struct{})
	for _, p := range providers {
		for _, v := range p.Voices().Items() {
			if _, dup := seen[v.Key()]; dup {
				continue
			}
			seen[v.Key()] = struct{}{}
			voices = append(voices, v)
		}
	}
	slices.SortStableFunc(voices, speech.CompareVoices)

	r.providerList.Replace(providers)
	r.voices.Replace(voices)
}

// startReconcile re-enumerates the bus, superseding any reconciliation
// still in flight.
func (r *Registry) startReconcile() {
	if r.reconcileCancel != nil {
		r.reconcileCancel()
	}
	r.reconcileSeq++
	seq := r.reconcileSeq
	gens := maps.Clone(r.ownerGen)
	ctx, cancel := context.WithCancel(r.ctx)
	r.reconcileCancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		en, err := r.enumerate(ctx, func(name string) bool { return r.Provider(name) != nil })
		if err != nil || ctx.Err() != nil {
			cancel()
			if ctx.Err() == nil {
				r.log.Warn("failed to enumerate providers", slog.String("error", err.Error()))
			}
			return
		}
		r.loop.Post(func() {
			defer cancel()
			if r.closed || seq != r.reconcileSeq {
				return
			}
			r.reconcileCancel = nil
			r.apply(en, gens)
		})
	}()
}

func (r *Registry) ownerChanged(s NameOwnerChanged) {
	if !provider.IsProviderName(s.Name) {
		return
	}
	r.ownerGen[s.Name]++
	r.owned[s.Name] = s.NewOwner != ""
	p := r.Provider(s.Name)

	if s.NewOwner == "" {
		if !r.wanted(s.Name) {
			r.dropPending(s.Name)
		}
		if p != nil {
			p.SetOwned(false)
			if !r.wanted(s.Name) {
				r.removeProvider(s.Name)
				r.rebuild()
			}
		}
		if p != nil || s.OldOwner != "" {
			r.emitDied(s.Name)
		}
		return
	}

	if p != nil {
		p.SetOwned(true)
		return
	}
	// A new owner is a new process; any query still in flight went to the
	// previous one.
	r.dropPending(s.Name)
	r.addAsync(s.Name)
}

// addAsync queries name off the loop and adds it if it is still wanted
// when the answer arrives.
func (r *Registry) addAsync(name string) {
	r.pendingSeq++
	id := r.pendingSeq
	ctx, cancel := context.WithCancel(r.ctx)
	r.pendingAdds[name] = pendingAdd{id: id, cancel: cancel}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		snap, err := provider.Fetch(ctx, r.bus.Proxy(name))
		r.loop.Post(func() {
			defer cancel()
			pending, ok := r.pendingAdds[name]
			if r.closed || !ok || pending.id != id {
				return
			}
			delete(r.pendingAdds, name)
			if err != nil {
				r.log.Warn("failed to query provider", slog.String("provider", name), slog.String("error", err.Error()))
				return
			}
			if r.Provider(name) != nil || !r.wanted(name) {
				return
			}
			r.addProvider(name, snap)
			r.rebuild()
		})
	}()
}

func (r *Registry) dropPending(name string) {
	if pending, ok := r.pendingAdds[name]; ok {
		pending.cancel()
		delete(r.pendingAdds, name)
	}
}

func (r *Registry) voicesChanged(s VoicesChanged) {
	p := r.Provider(s.Provider)
	if p == nil {
		return
	}
	if !s.Refetch {
		p.Reconcile(s.Voices)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		voices, err := p.Refresh(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.log.Warn("failed to refresh voices", slog.String("provider", p.ID()), slog.String("error", err.Error()))
			}
			return
		}
		r.loop.Post(func() {
			if r.closed || r.Provider(p.ID()) != p {
				return
			}
			p.Reconcile(voices)
		})
	}()
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-speech/registry")
	providers, err := meter.Int64ObservableGauge("loqa.speech.providers", metric.WithDescription("Number of known speech providers"))
	if err != nil {
		return err
	}
	voices, err := meter.Int64ObservableGauge("loqa.speech.voices", metric.WithDescription("Number of voices across providers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(providers, int64(r.providerList.Len()))
		obs.ObserveInt64(voices, int64(r.voices.Len()))
		return nil
	}, providers, voices)
	return err
}
