package llm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrProviderNotConfigured = errors.New("provider not configured")
)

// Router picks the provider a bot replies through. Shared providers are built
// once from server config; a factory builds a provider per call when the bot
// carries its own API key.
type Router struct {
	mu        sync.RWMutex
	shared    map[string]Provider
	factories map[string]ProviderFactory
	fallback  string
}

// NewRouter creates a router that uses fallback for bots without a provider
func NewRouter(fallback string) *Router {
	return &Router{
		shared:    make(map[string]Provider),
		factories: make(map[string]ProviderFactory),
		fallback:  fallback,
	}
}

// RegisterProvider registers a shared provider under its own name
func (r *Router) RegisterProvider(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared[provider.Name()] = provider
}

// RegisterFactory registers a per-bot provider factory
func (r *Router) RegisterFactory(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Resolve returns the provider for name. Credentials carrying an api_key go
// through the factory; otherwise the shared instance must be configured.
func (r *Router) Resolve(name string, creds map[string]any) (Provider, error) {
	if name == "" {
		name = r.fallback
	}

	r.mu.RLock()
	factory, hasFactory := r.factories[name]
	shared, hasShared := r.shared[name]
	r.mu.RUnlock()

	if hasFactory && ConfigString(creds, "api_key") != "" {
		p, err := factory(creds)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
		}
		return p, nil
	}

	if !hasShared {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if !shared.IsConfigured() {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotConfigured, name)
	}
	return shared, nil
}

// Configured returns the names of shared providers ready to serve, sorted
func (r *Router) Configured() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, p := range r.shared {
		if p.IsConfigured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DefaultProvider returns the provider used by bots that name none
func (r *Router) DefaultProvider() string {
	return r.fallback
}

// ProviderInfo describes a provider bots can be configured with
type ProviderInfo struct {
	Name       string   `json:"name"`
	Models     []string `json:"models,omitempty"`
	Default    bool     `json:"default"`
	Configured bool     `json:"configured"`
	BotKeys    bool     `json:"accepts_bot_keys"`
}

// Describe lists every provider known by name, shared or factory only
func (r *Router) Describe() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]*ProviderInfo)
	for name, p := range r.shared {
		byName[name] = &ProviderInfo{
			Name:       name,
			Models:     p.AvailableModels(),
			Configured: p.IsConfigured(),
		}
	}
	for name := range r.factories {
		info, ok := byName[name]
		if !ok {
			info = &ProviderInfo{Name: name}
			byName[name] = info
		}
		info.BotKeys = true
	}

	infos := make([]ProviderInfo, 0, len(byName))
	for name, info := range byName {
		info.Default = name == r.fallback
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
