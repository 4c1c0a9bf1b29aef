package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Strob0t/sentry-webhooks/internal/domain/issue"
)

// Registry holds the plugins the pipeline dispatches to.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register makes p available under its slug.
func (r *Registry) Register(p Plugin) error {
	slug := p.Info().Slug
	if slug == "" {
		return fmt.Errorf("plugin: empty slug")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[slug]; exists {
		return fmt.Errorf("plugin: duplicate registration for %q", slug)
	}
	r.plugins[slug] = p
	return nil
}

// Get returns the plugin registered under slug.
func (r *Registry) Get(slug string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[slug]
	return p, ok
}

// List returns plugin descriptions sorted by slug.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.plugins))
	for _, p := range r.plugins {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Slug < infos[j].Slug })
	return infos
}

// PostProcess hands msg to every plugin. A panicking plugin is logged and
// does not stop the others.
func (r *Registry) PostProcess(ctx context.Context, msg *issue.PostProcess) {
	r.mu.RLock()
	plugins := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.mu.RUnlock()

	for _, p := range plugins {
		runPlugin(ctx, p, msg)
	}
}

func runPlugin(ctx context.Context, p Plugin, msg *issue.PostProcess) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "plugin panicked",
				"plugin", p.Info().Slug,
				"group_id", msg.Group.ID,
				"panic", rec,
			)
		}
	}()
	p.PostProcess(ctx, &msg.Group, &msg.Event, msg.IsNew, msg.IsSample)
}
