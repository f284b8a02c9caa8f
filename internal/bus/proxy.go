package bus

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/loqalabs/loqa-speech/internal/speech"
)

// Errors that mean the provider process is gone rather than misbehaving.
var deathErrors = map[string]bool{
	"org.freedesktop.DBus.Error.NoReply":        true,
	"org.freedesktop.DBus.Error.ServiceUnknown": true,
	"org.freedesktop.DBus.Error.NameHasNoOwner": true,
	"org.freedesktop.DBus.Error.Disconnected":   true,
}

// VoiceTuple mirrors the a(ssstas) signature of the Voices property.
type VoiceTuple struct {
	Name         string
	Identifier   string
	OutputFormat string
	Features     uint64
	Languages    []string
}

type providerProxy struct {
	client *Client
	name   string
	obj    dbus.BusObject
}

func (p *providerProxy) Name(ctx context.Context) (string, error) {
	v, err := p.property(ctx, "Name")
	if err != nil {
		return "", err
	}
	var name string
	if err := v.Store(&name); err != nil {
		return "", fmt.Errorf("decode Name: %w", err)
	}
	return name, nil
}

func (p *providerProxy) Voices(ctx context.Context) ([]speech.VoiceDescription, error) {
	v, err := p.property(ctx, "Voices")
	if err != nil {
		return nil, err
	}
	return decodeVoices(v)
}

func (p *providerProxy) property(ctx context.Context, prop string) (dbus.Variant, error) {
	ctx, cancel := p.client.withTimeout(ctx)
	defer cancel()
	var v dbus.Variant
	call := p.obj.CallWithContext(ctx, propertiesInterface+".Get", 0, ProviderInterface, prop)
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, p.classify(ctx, fmt.Sprintf("get %s", prop), err)
	}
	return v, nil
}

// Synthesize passes w to the provider and waits for it to report that it
// is done writing. w is closed once the call has been sent.
func (p *providerProxy) Synthesize(ctx context.Context, w *os.File, req speech.SynthesisRequest) error {
	ch := make(chan *dbus.Call, 1)
	call := p.obj.GoWithContext(ctx, ProviderInterface+".Synthesize", 0, ch,
		dbus.UnixFD(w.Fd()), req.Text, req.VoiceID, req.Pitch, req.Rate, req.SSML, req.Language)
	// The descriptor has been duplicated into the message.
	_ = w.Close()
	if call.Err != nil {
		return p.classify(ctx, "synthesize", call.Err)
	}

	select {
	case done := <-ch:
		if done.Err != nil {
			return p.classify(ctx, "synthesize", done.Err)
		}
		return nil
	case <-ctx.Done():
		return p.classify(ctx, "synthesize", ctx.Err())
	}
}

// classify maps a call failure to a speech error kind.
func (p *providerProxy) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return speech.NewError(speech.CodeProviderUnexpectedlyDied, "%s on %s timed out", op, p.name).WithCause(err)
		}
		return speech.NewError(speech.CodeCancelled, "%s on %s cancelled", op, p.name).WithCause(err)
	}
	if name, ok := remoteError(err); ok {
		if deathErrors[name] {
			return speech.NewError(speech.CodeProviderUnexpectedlyDied, "%s on %s", op, p.name).WithCause(err)
		}
		return speech.NewError(speech.CodeInternalProviderFailure, "%s on %s", op, p.name).WithCause(err)
	}
	if errors.Is(err, dbus.ErrClosed) {
		return speech.NewError(speech.CodeProviderUnexpectedlyDied, "%s on %s: bus connection closed", op, p.name).WithCause(err)
	}
	return speech.NewError(speech.CodeInternalProviderFailure, "%s on %s", op, p.name).WithCause(err)
}

func decodeVoices(v dbus.Variant) ([]speech.VoiceDescription, error) {
	var tuples []VoiceTuple
	if err := v.Store(&tuples); err != nil {
		return nil, fmt.Errorf("decode Voices: %w", err)
	}
	out := make([]speech.VoiceDescription, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, speech.VoiceDescription{
			Name:         t.Name,
			Identifier:   t.Identifier,
			OutputFormat: t.OutputFormat,
			Features:     t.Features,
			Languages:    t.Languages,
		})
	}
	return out, nil
}

// EncodeVoices is the inverse of the Voices property decoding, used by
// providers exporting the property.
func EncodeVoices(descs []speech.VoiceDescription) []VoiceTuple {
	out := make([]VoiceTuple, 0, len(descs))
	for _, d := range descs {
		langs := d.Languages
		if langs == nil {
			langs = []string{}
		}
		out = append(out, VoiceTuple{
			Name:         d.Name,
			Identifier:   d.Identifier,
			OutputFormat: d.OutputFormat,
			Features:     d.Features,
			Languages:    langs,
		})
	}
	return out
}
