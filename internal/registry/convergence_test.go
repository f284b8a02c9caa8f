package registry_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/loqalabs/loqa-speech/internal/bustest"
	"github.com/loqalabs/loqa-speech/internal/registry"
)

// TestRegistryConverges drives random ownership and activation changes and
// checks that the settled voice list is the sorted union of the voices of
// every owned or activatable provider.
func TestRegistryConverges(t *testing.T) {
	names := []string{alpha, beta, gamma, "org.other.Service"}
	voicesOf := map[string][]string{
		alpha:               {alpha + "/ann"},
		beta:                {beta + "/bob", beta + "/bea"},
		gamma:               {gamma + "/gus"},
		"org.other.Service": nil,
	}

	rapid.Check(t, func(rt *rapid.T) {
		bus := bustest.NewBus()
		bus.Attach(bustest.NewProvider(alpha, "Alpha", voice("Ann", "ann", "en")))
		bus.Attach(bustest.NewProvider(beta, "Beta", voice("Bob", "bob", "en"), voice("Bea", "bea", "de")))
		bus.Attach(bustest.NewProvider(gamma, "Gamma", voice("Gus", "gus", "fr")))
		bus.Attach(bustest.NewProvider("org.other.Service", "Other", voice("Ola", "ola", "sv")))

		owned := map[string]bool{}
		activatable := map[string]bool{}
		apply := func(rt *rapid.T, label string) {
			name := rapid.SampledFrom(names).Draw(rt, label+"-name")
			switch rapid.IntRange(0, 2).Draw(rt, label+"-op") {
			case 0:
				bus.Own(name)
				owned[name] = true
			case 1:
				bus.Release(name)
				owned[name] = false
			case 2:
				a := rapid.Bool().Draw(rt, label+"-activatable")
				bus.SetActivatable(name, a)
				activatable[name] = a
			}
		}

		for i := range rapid.IntRange(0, 4).Draw(rt, "before") {
			apply(rt, "pre"+string(rune('a'+i)))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg, err := registry.New(ctx, bus, registry.Options{Logger: newLogger()})
		if err != nil {
			rt.Fatalf("new registry: %v", err)
		}
		defer reg.Close()

		for i := range rapid.IntRange(0, 12).Draw(rt, "after") {
			apply(rt, "op"+string(rune('a'+i)))
		}

		var want []string
		for _, name := range names {
			if owned[name] || activatable[name] {
				want = append(want, voicesOf[name]...)
			}
		}
		slices.Sort(want)

		deadline := time.Now().Add(3 * time.Second)
		for {
			got := sortedIDs(reg)
			if slices.Equal(got, want) {
				return
			}
			if time.Now().After(deadline) {
				rt.Fatalf("voices did not converge: got %v, want %v", got, want)
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
}

func sortedIDs(reg *registry.Registry) []string {
	ids := voiceIDs(reg)
	slices.Sort(ids)
	return ids
}
