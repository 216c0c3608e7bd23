package channel

import (
	"fmt"
	"sync"

	"github.com/memohai/omnibox/internal/message"
)

// Registry holds all registered platform adapters. It must be created via
// NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[message.Platform]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[message.Platform]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	p := adapter.Platform()
	if !p.Valid() {
		return fmt.Errorf("unsupported platform: %q", p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("platform already registered: %s", p)
	}
	r.adapters[p] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Unregister removes a platform from the registry.
func (r *Registry) Unregister(platform message.Platform) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[platform]; !exists {
		return false
	}
	delete(r.adapters, platform)
	return true
}

// Get returns the adapter for the given platform.
func (r *Registry) Get(platform message.Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[platform]
	return adapter, ok
}

// List returns all registered adapters in message.Platforms order.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, p := range message.Platforms {
		if a, ok := r.adapters[p]; ok {
			items = append(items, a)
		}
	}
	return items
}

// Platforms returns all registered platforms.
func (r *Registry) Platforms() []message.Platform {
	adapters := r.List()
	items := make([]message.Platform, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, a.Platform())
	}
	return items
}

// GetDescriptor returns the descriptor for the given platform.
func (r *Registry) GetDescriptor(platform message.Platform) (Descriptor, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return Descriptor{}, false
	}
	return adapter.Descriptor(), true
}

// ListDescriptors returns descriptors for all registered platforms.
func (r *Registry) ListDescriptors() []Descriptor {
	adapters := r.List()
	items := make([]Descriptor, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, a.Descriptor())
	}
	return items
}

// ParsePlatform validates raw and checks that an adapter is registered for it.
func (r *Registry) ParsePlatform(raw string) (message.Platform, error) {
	p, err := message.ParsePlatform(raw)
	if err != nil {
		return "", err
	}
	if _, ok := r.Get(p); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, p)
	}
	return p, nil
}

// KeyFor returns the connection key of userID on platform, honoring the
// platform's scope.
func (r *Registry) KeyFor(platform message.Platform, userID string) Key {
	if desc, ok := r.GetDescriptor(platform); ok && desc.Scope == ScopeProcess {
		return Key{Platform: platform}
	}
	return Key{Platform: platform, UserID: userID}
}

// GetReceiver returns the Receiver for the given platform, or nil if unsupported.
func (r *Registry) GetReceiver(platform message.Platform) (Receiver, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	receiver, ok := adapter.(Receiver)
	return receiver, ok
}

// GetInitiator returns the Initiator for the given platform, or nil if unsupported.
func (r *Registry) GetInitiator(platform message.Platform) (Initiator, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	initiator, ok := adapter.(Initiator)
	return initiator, ok
}

// GetFinalizer returns the Finalizer for the given platform, or nil if unsupported.
func (r *Registry) GetFinalizer(platform message.Platform) (Finalizer, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	finalizer, ok := adapter.(Finalizer)
	return finalizer, ok
}
