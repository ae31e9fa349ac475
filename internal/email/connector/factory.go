package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Constructor builds a Transport for one configuration.
type Constructor func(Settings) Transport

// Factory resolves the transport implementation for a configuration.
type Factory interface {
	TransportFor(settings Settings) (Transport, error)
}

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{constructors: make(map[string]Constructor)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with both built-in transports.
func DefaultFactory(direct []DirectOption, graph []GraphOption) Factory {
	return NewFactory(
		WithConstructor(func(s Settings) Transport { return NewDirectTransport(s, direct...) }, KindDirect),
		WithConstructor(func(s Settings) Transport { return NewGraphTransport(s, graph...) }, KindCloud),
	)
}

// WithConstructor registers a constructor for the provided provider kinds.
func WithConstructor(c Constructor, kinds ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || c == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, k := range kinds {
			key := normalizeKind(k)
			if key == "" {
				continue
			}
			f.constructors[key] = c
		}
	}
}

func (f *simpleFactory) TransportFor(settings Settings) (Transport, error) {
	key := normalizeKind(settings.Kind)
	f.mu.RLock()
	c, ok := f.constructors[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transport registered for provider type %s", settings.Kind)
	}
	return c(settings), nil
}

func normalizeKind(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Cache reuses one transport per configuration so a cloud token lives as
// long as the configuration is unchanged. A changed configuration gets a
// fresh transport.
type Cache struct {
	inner Factory
	mu    sync.Mutex
	byID  map[int64]cachedTransport
}

type cachedTransport struct {
	fingerprint string
	transport   Transport
}

// NewCache wraps inner.
func NewCache(inner Factory) *Cache {
	return &Cache{inner: inner, byID: make(map[int64]cachedTransport)}
}

func (c *Cache) TransportFor(settings Settings) (Transport, error) {
	fp := fingerprint(settings)
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit, ok := c.byID[settings.ConfigID]; ok && hit.fingerprint == fp {
		return hit.transport, nil
	}
	t, err := c.inner.TransportFor(settings)
	if err != nil {
		return nil, err
	}
	if settings.ConfigID != 0 {
		c.byID[settings.ConfigID] = cachedTransport{fingerprint: fp, transport: t}
	}
	return t, nil
}

// Forget drops the cached transport for a configuration.
func (c *Cache) Forget(configID int64) {
	c.mu.Lock()
	delete(c.byID, configID)
	c.mu.Unlock()
}

func fingerprint(s Settings) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%#v", s)))
	return hex.EncodeToString(sum[:])
}
