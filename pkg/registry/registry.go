// Package registry is the catalog of installed tool kinds: in-process local
// tools, remote kinds bound to a provider, and human-input kinds.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/nodeflow/pkg/provider"
)

// ToolPlugin is the symbol a local tool plugin exports as "Tool".
type ToolPlugin interface {
	provider.LocalTool
	Kind() string
}

type remoteBinding struct {
	providerID string
}

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	local     map[string]provider.LocalTool
	remote    map[string]remoteBinding
	providers map[string]provider.Provider
	human     map[string]bool
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log.With("module", "registry"),
		local:     make(map[string]provider.LocalTool),
		remote:    make(map[string]remoteBinding),
		providers: make(map[string]provider.Provider),
		human:     make(map[string]bool),
	}
}

func (r *Registry) RegisterLocal(kind string, tool provider.LocalTool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.local[kind] = tool
}

func (r *Registry) RegisterProvider(providerID string, p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[providerID] = p
}

// RegisterRemote binds kind to a provider registered under providerID.
// The kind counts as installed only once the provider is registered.
func (r *Registry) RegisterRemote(kind, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remote[kind] = remoteBinding{providerID: providerID}
}

// RegisterHuman marks kind as produced by human input alone.
func (r *Registry) RegisterHuman(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.human[kind] = true
}

// Has reports whether kind can run in this process.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.human[kind] {
		return true
	}

	if _, ok := r.local[kind]; ok {
		return true
	}

	binding, ok := r.remote[kind]
	if !ok {
		return false
	}

	_, ok = r.providers[binding.providerID]

	return ok
}

func (r *Registry) Human(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.human[kind]
}

func (r *Registry) Local(kind string) (provider.LocalTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.local[kind]

	return tool, ok
}

// Remote returns the provider serving kind and its id.
func (r *Registry) Remote(kind string) (string, provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	binding, ok := r.remote[kind]
	if !ok {
		return "", nil, false
	}

	p, ok := r.providers[binding.providerID]

	return binding.providerID, p, ok
}

// Provider returns a registered provider by id.
func (r *Registry) Provider(providerID string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerID]

	return p, ok
}

// Kinds lists every installed kind, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.local)+len(r.remote)+len(r.human))
	for kind := range r.local {
		kinds = append(kinds, kind)
	}

	for kind, binding := range r.remote {
		if _, ok := r.providers[binding.providerID]; ok {
			kinds = append(kinds, kind)
		}
	}

	for kind := range r.human {
		kinds = append(kinds, kind)
	}

	slices.Sort(kinds)

	return slices.Compact(kinds)
}

// LoadToolPlugins opens every .so under {pluginsPath}/tools and registers the
// local tool it exports.
func (r *Registry) LoadToolPlugins(pluginsPath string) error {
	tools, err := loadPlugin[ToolPlugin](r.logger, pluginsPath, "Tool")
	if err != nil {
		return err
	}

	for _, tool := range tools {
		r.RegisterLocal(tool.Kind(), tool)
	}

	return nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	if pluginsPath == "" {
		return nil, nil
	}

	rootPath := filepath.Join(pluginsPath, strings.ToLower(symbolName)+"s")

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "*/*.so")
	if err != nil {
		return nil, err
	}

	topLevel, err := fs.Glob(os.DirFS(rootPath), "*.so")
	if err != nil {
		return nil, err
	}

	pluginPathList = append(topLevel, pluginPathList...)

	l := logger.With(slog.String("path", rootPath), slog.String("type", symbolName))
	l.Info("Loading plugins", "count", len(pluginPathList))

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p, err)
		}

		castV, ok := v.(T)
		if !ok {
			return nil, errors.New("plugin " + p + " does not export a " + symbolName)
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
