package audio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Sink consumes whole PCM frames. Open is called before the first frame of
// each stream, Drain after its last frame and Stop when a stream is cut
// short. Stop may run concurrently with Write or Drain and must unblock them.
type Sink interface {
	Open(f Format) error
	Write(p []byte) (int, error)
	Pause() error
	Resume() error
	Drain() error
	Stop() error
}

// Sink kinds accepted by NewSink.
const (
	SinkAuto    = "auto"
	SinkDiscard = "discard"
	SinkExec    = "exec"
	SinkWAV     = "wav"
)

// TestModeEnv forces the discard sink when set to a non-empty value.
const TestModeEnv = "LOQA_SPEECH_TEST"

// DefaultPlayerCommand is used by the auto and exec sinks when no command
// is configured.
const DefaultPlayerCommand = "aplay -q -t raw -f {alsa_format} -r {rate} -c {channels} -"

// SinkOptions selects and configures a sink.
type SinkOptions struct {
	Kind    string
	Command string
	Path    string
}

// NewSink builds the sink described by opts. In test mode it always
// returns a discard sink.
func NewSink(opts SinkOptions, log *slog.Logger) (Sink, error) {
	if os.Getenv(TestModeEnv) != "" {
		return NewDiscardSink(), nil
	}
	switch opts.Kind {
	case SinkDiscard:
		return NewDiscardSink(), nil
	case SinkExec:
		return NewExecSink(commandOrDefault(opts.Command), log)
	case SinkWAV:
		if opts.Path == "" {
			return nil, fmt.Errorf("wav sink requires a path")
		}
		return NewWAVSink(opts.Path), nil
	case SinkAuto, "":
		sink, err := NewExecSink(commandOrDefault(opts.Command), log)
		if err != nil {
			log.Warn("no audio player available, discarding audio", slog.String("error", err.Error()))
			return NewDiscardSink(), nil
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", opts.Kind)
	}
}

func commandOrDefault(cmd string) string {
	if cmd == "" {
		return DefaultPlayerCommand
	}
	return cmd
}

// DiscardSink drops audio, counting what it was given.
type DiscardSink struct {
	mu      sync.Mutex
	format  Format
	streams int
	written atomic.Int64
	paused  atomic.Bool
}

func NewDiscardSink() *DiscardSink {
	return &DiscardSink{}
}

func (d *DiscardSink) Open(f Format) error {
	d.mu.Lock()
	d.format = f
	d.streams++
	d.mu.Unlock()
	return nil
}

func (d *DiscardSink) Write(p []byte) (int, error) {
	d.written.Add(int64(len(p)))
	return len(p), nil
}

func (d *DiscardSink) Pause() error  { d.paused.Store(true); return nil }
func (d *DiscardSink) Resume() error { d.paused.Store(false); return nil }
func (d *DiscardSink) Drain() error  { return nil }
func (d *DiscardSink) Stop() error   { return nil }

// Written is the total number of bytes accepted.
func (d *DiscardSink) Written() int64 { return d.written.Load() }

// Streams is the number of streams opened.
func (d *DiscardSink) Streams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams
}

func (d *DiscardSink) Format() Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

func (d *DiscardSink) Paused() bool { return d.paused.Load() }
