// Package bus connects to the D-Bus message bus that speech providers live
// on. Client implements the registry's Bus and hands out provider proxies.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/provider"
	"github.com/loqalabs/loqa-speech/internal/registry"
)

const (
	dbusName            = "org.freedesktop.DBus"
	dbusPath            = dbus.ObjectPath("/org/freedesktop/DBus")
	propertiesInterface = "org.freedesktop.DBus.Properties"

	// ProviderInterface is the interface every speech provider object
	// implements.
	ProviderInterface = "org.freedesktop.Speech.Provider"

	signalBuffer = 64
)

// Client wraps a D-Bus connection and translates bus signals for the
// registry.
type Client struct {
	conn        *dbus.Conn
	log         *slog.Logger
	callTimeout time.Duration

	raw     chan *dbus.Signal
	signals chan registry.Signal
	done    chan struct{}
	once    sync.Once
}

// Connect opens the bus named by cfg.Address, or the session bus when it
// is empty, and subscribes to the notifications the registry needs.
func Connect(ctx context.Context, cfg config.DBusConfig, log *slog.Logger) (*Client, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if cfg.Address == "" {
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	} else {
		conn, err = dbus.Connect(cfg.Address, dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("connect to dbus: %w", err)
	}

	c := &Client{
		conn:        conn,
		log:         log.With(slog.String("component", "dbus")),
		callTimeout: time.Duration(cfg.CallTimeout) * time.Millisecond,
		raw:         make(chan *dbus.Signal, signalBuffer),
		signals:     make(chan registry.Signal, signalBuffer),
		done:        make(chan struct{}),
	}

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(dbusName),
			dbus.WithMatchInterface(dbusName),
			dbus.WithMatchMember("NameOwnerChanged"),
		},
		{
			dbus.WithMatchSender(dbusName),
			dbus.WithMatchInterface(dbusName),
			dbus.WithMatchMember("ActivatableServicesChanged"),
		},
		{
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchArg(0, ProviderInterface),
		},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignalContext(ctx, m...); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("add dbus match: %w", err)
		}
	}
	conn.Signal(c.raw)
	go c.forward()

	c.log.Info("connected to dbus", slog.Bool("session", cfg.Address == ""))
	return c, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.once.Do(func() {
		c.log.Info("closing dbus connection")
		c.conn.RemoveSignal(c.raw)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Connected()
}

// Conn exposes the underlying connection, e.g. for exporting objects.
func (c *Client) Conn() *dbus.Conn {
	return c.conn
}

func (c *Client) Signals() <-chan registry.Signal {
	return c.signals
}

func (c *Client) ListNames(ctx context.Context) ([]string, error) {
	return c.listNames(ctx, "ListNames")
}

func (c *Client) ListActivatableNames(ctx context.Context) ([]string, error) {
	return c.listNames(ctx, "ListActivatableNames")
}

func (c *Client) listNames(ctx context.Context, method string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var names []string
	obj := c.conn.Object(dbusName, dbusPath)
	if err := obj.CallWithContext(ctx, dbusName+"."+method, 0).Store(&names); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return names, nil
}

// Proxy returns the provider object behind a well-known name.
func (c *Client) Proxy(name string) provider.Proxy {
	return &providerProxy{
		client: c,
		name:   name,
		obj:    c.conn.Object(name, ObjectPath(name)),
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// ObjectPath derives a provider's object path from its bus name:
// "org.example.Speech.Provider" lives at "/org/example/Speech/Provider".
func ObjectPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/" + strings.ReplaceAll(name, ".", "/"))
}

// nameFromPath inverts ObjectPath.
func nameFromPath(path dbus.ObjectPath) string {
	return strings.ReplaceAll(strings.TrimPrefix(string(path), "/"), "/", ".")
}

func (c *Client) forward() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.raw:
			if !ok {
				close(c.signals)
				return
			}
			out, ok := c.translate(sig)
			if !ok {
				continue
			}
			select {
			case c.signals <- out:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) translate(sig *dbus.Signal) (registry.Signal, bool) {
	switch sig.Name {
	case dbusName + ".NameOwnerChanged":
		var name, oldOwner, newOwner string
		if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil {
			c.log.Warn("malformed NameOwnerChanged", slog.String("error", err.Error()))
			return nil, false
		}
		return registry.NameOwnerChanged{Name: name, OldOwner: oldOwner, NewOwner: newOwner}, true
	case dbusName + ".ActivatableServicesChanged":
		return registry.ActivatableServicesChanged{}, true
	case propertiesInterface + ".PropertiesChanged":
		return c.translateProperties(sig)
	}
	return nil, false
}

func (c *Client) translateProperties(sig *dbus.Signal) (registry.Signal, bool) {
	var (
		iface       string
		changed     map[string]dbus.Variant
		invalidated []string
	)
	if err := dbus.Store(sig.Body, &iface, &changed, &invalidated); err != nil {
		c.log.Warn("malformed PropertiesChanged", slog.String("error", err.Error()))
		return nil, false
	}
	if iface != ProviderInterface {
		return nil, false
	}
	name := nameFromPath(sig.Path)
	if !provider.IsProviderName(name) {
		return nil, false
	}
	if v, ok := changed["Voices"]; ok {
		voices, err := decodeVoices(v)
		if err != nil {
			c.log.Warn("malformed voices property", slog.String("provider", name), slog.String("error", err.Error()))
			return registry.VoicesChanged{Provider: name, Refetch: true}, true
		}
		return registry.VoicesChanged{Provider: name, Voices: voices}, true
	}
	for _, prop := range invalidated {
		if prop == "Voices" {
			return registry.VoicesChanged{Provider: name, Refetch: true}, true
		}
	}
	return nil, false
}

// remoteError names the D-Bus error carried by err, if any.
func remoteError(err error) (string, bool) {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name, true
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) && pderr != nil {
		return pderr.Name, true
	}
	return "", false
}
