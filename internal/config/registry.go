package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/link"
	"github.com/MrWong99/parley/pkg/protocol"
)

// ErrLinkNotRegistered is returned by [Registry.CreateLink] when no factory
// has been registered under the requested link name.
var ErrLinkNotRegistered = errors.New("config: link not registered")

// Link pairs a transport with the wire protocol spoken over it.
type Link struct {
	Dialer   link.Dialer
	Protocol protocol.Protocol
}

// LinkFactory constructs a [Link] from the session section of the config.
type LinkFactory func(SessionConfig) (Link, error)

// Registry maps link names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	links map[string]LinkFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{links: make(map[string]LinkFactory)}
}

// RegisterLink registers a link factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLink(name string, factory LinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[name] = factory
}

// CreateLink instantiates the link registered under session.Link.
// Returns [ErrLinkNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLink(session SessionConfig) (Link, error) {
	r.mu.RLock()
	factory, ok := r.links[session.Link]
	r.mu.RUnlock()
	if !ok {
		return Link{}, fmt.Errorf("%w: %q", ErrLinkNotRegistered, session.Link)
	}
	l, err := factory(session)
	if err != nil {
		return Link{}, fmt.Errorf("config: create link %q: %w", session.Link, err)
	}
	if l.Dialer == nil || l.Protocol == nil {
		return Link{}, fmt.Errorf("config: create link %q: factory returned incomplete link", session.Link)
	}
	return l, nil
}

// Links returns the registered link names in sorted order.
func (r *Registry) Links() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.links))
	for name := range r.links {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
