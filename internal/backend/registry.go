package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/ChuLiYu/querybatch/internal/config"
)

// Info describes a registered backend.
type Info struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	APIKeyEnv  string `json:"api_key_env,omitempty"`
	KeyPresent bool   `json:"key_present"`
}

// Registry resolves backend ids to clients. It is built from an explicit
// list of backend configurations; there is no process-wide registry.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	infos    []Info
	configs  map[string]config.BackendConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		configs:  make(map[string]config.BackendConfig),
	}
}

// Build creates a client for every entry of cfgs. API keys are read from the
// environment variables the entries name; an entry whose key is missing is
// registered with a client that fails every call with an auth error.
func Build(ctx context.Context, cfgs []config.BackendConfig, httpClient *http.Client) (*Registry, error) {
	r := NewRegistry()
	for _, c := range cfgs {
		key := ""
		if c.APIKeyEnv != "" {
			key = os.Getenv(c.APIKeyEnv)
		}
		needsKey := c.Provider != config.ProviderEcho

		var (
			b   Backend
			err error
		)
		switch {
		case needsKey && key == "":
			b = missingKey{id: c.ID, env: c.APIKeyEnv}
		case c.Provider == config.ProviderOpenAI:
			b = NewOpenAI(c, key, httpClient)
		case c.Provider == config.ProviderGemini:
			b, err = NewGemini(ctx, c, key, httpClient)
		case c.Provider == config.ProviderEcho:
			b = Echo{}
		default:
			err = fmt.Errorf("unknown provider %q", c.Provider)
		}
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", c.ID, err)
		}

		r.register(c, b, !needsKey || key != "")
	}
	return r, nil
}

func (r *Registry) register(c config.BackendConfig, b Backend, keyPresent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[c.ID]; !exists {
		r.infos = append(r.infos, Info{
			ID:         c.ID,
			Provider:   c.Provider,
			Model:      c.Model,
			APIKeyEnv:  c.APIKeyEnv,
			KeyPresent: keyPresent,
		})
	}
	r.backends[c.ID] = b
	r.configs[c.ID] = c
}

// Register adds b under id.
func (r *Registry) Register(id string, b Backend) {
	r.register(config.BackendConfig{ID: id}, b, true)
}

// Resolve returns the backend registered under id.
func (r *Registry) Resolve(id string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", id)
	}
	return b, nil
}

// Config returns the configuration id was built from.
func (r *Registry) Config(id string) (config.BackendConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[id]
	return c, ok
}

// List returns the registered backends in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, len(r.infos))
	copy(out, r.infos)
	return out
}
