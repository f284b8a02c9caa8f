package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/speaker"
)

const writeTimeout = 5 * time.Second

// Recorder copies speaker signals into a Store. Signals are queued so the
// speaker never waits on the database; when the queue is full they are
// dropped and counted.
type Recorder struct {
	store   *Store
	log     *slog.Logger
	queue   chan speaker.Event
	dropped atomic.Int64
}

func NewRecorder(store *Store, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		store: store,
		log:   log.With(slog.String("component", "journal-recorder")),
		queue: make(chan speaker.Event, buffer),
	}
}

// Attach subscribes the recorder to spk and returns the unsubscribe func.
func (r *Recorder) Attach(spk *speaker.Speaker) func() {
	return spk.Subscribe(r.Record)
}

// Record queues ev. Signals without an utterance are ignored.
func (r *Recorder) Record(ev speaker.Event) {
	if ev.Utterance == nil || !r.store.Enabled() {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many signals did not fit the queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes queued signals until ctx is done, then flushes what is left.
// Writes already started are not interrupted by ctx.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.queue:
			r.write(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.write(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(parent context.Context, ev speaker.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), writeTimeout)
	defer cancel()

	u := ev.Utterance
	rec := Utterance{ID: u.ID(), Text: u.Text()}
	if v := u.Voice(); v != nil {
		rec.Voice = v.Identifier()
		rec.Provider = v.ProviderID()
	}
	if err := r.store.AddUtterance(ctx, rec); err != nil {
		r.log.Warn("record utterance failed", slog.String("utterance", rec.ID), slog.String("error", err.Error()))
		return
	}

	e := Entry{UtteranceID: rec.ID, Kind: ev.Kind.String(), Start: ev.Start, End: ev.End, Mark: ev.Mark}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	if err := r.store.Append(ctx, e, ev.Kind.Terminal()); err != nil {
		r.log.Warn("record signal failed",
			slog.String("utterance", rec.ID),
			slog.String("kind", e.Kind),
			slog.String("error", err.Error()))
	}
}
