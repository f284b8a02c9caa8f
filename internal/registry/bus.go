package registry

import (
	"context"

	"github.com/loqalabs/loqa-speech/internal/provider"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// Bus is the registry's view of the message bus.
type Bus interface {
	ListNames(ctx context.Context) ([]string, error)
	ListActivatableNames(ctx context.Context) ([]string, error)
	// Signals delivers bus notifications in arrival order. It is closed
	// when the connection goes away.
	Signals() <-chan Signal
	Proxy(name string) provider.Proxy
}

// Signal is one bus notification the registry reacts to.
type Signal interface {
	signal()
}

// NameOwnerChanged reports a bus name changing hands. An empty NewOwner
// means the name was released.
type NameOwnerChanged struct {
	Name     string
	OldOwner string
	NewOwner string
}

// ActivatableServicesChanged reports that the set of activatable names may
// have changed.
type ActivatableServicesChanged struct{}

// VoicesChanged reports a provider's voices property changing. When
// Refetch is set the new value was not included and must be read back.
type VoicesChanged struct {
	Provider string
	Voices   []speech.VoiceDescription
	Refetch  bool
}

func (NameOwnerChanged) signal()           {}
func (ActivatableServicesChanged) signal() {}
func (VoicesChanged) signal()              {}
