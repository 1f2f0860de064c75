package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrAlreadyRegistered = errors.New("name already registered")

// Registration describes one registered backend server.
type Registration struct {
	Name         string            `json:"name"`
	BaseURL      string            `json:"baseUrl"`
	Meta         map[string]string `json:"meta,omitempty"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

// Registry is the control-plane name book: backend name -> base URL.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Registration
}

func New() *Registry {
	return &Registry{
		servers: make(map[string]*Registration),
	}
}

func (r *Registry) Register(name, baseURL string, meta map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; ok {
		return ErrAlreadyRegistered
	}
	r.servers[name] = &Registration{
		Name:         name,
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Meta:         meta,
		RegisteredAt: time.Now().UTC(),
	}
	return nil
}

// Unregister removes name from the registry. Returns false if the name
// was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[name]; !ok {
		return false
	}
	delete(r.servers, name)
	return true
}

// Resolve returns the base URL registered under name. Resolution happens
// once at session creation; later registry changes do not affect
// existing sessions.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.servers[name]
	if !ok {
		return "", false
	}
	return reg.BaseURL, true
}

// List returns copies of all registrations, sorted by name.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Registration, 0, len(r.servers))
	for _, reg := range r.servers {
		copy := *reg
		result = append(result, &copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
