// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/nodeflow/pkg/provider/httpprovider"
	"github.com/dukex/nodeflow/pkg/registry"
	"github.com/dukex/nodeflow/pkg/tools"
)

// HTTPProviderID names the provider configured from PROVIDER_URL.
const HTTPProviderID = "http"

type RegistryConfig struct {
	PluginsPath string
	ProviderURL string
	// RemoteKinds are the tool kinds executed by the HTTP provider.
	RemoteKinds       []string
	RequestsPerSecond float64
}

// NewRegistry installs the built-in tools, the tool plugins under
// PluginsPath and, when ProviderURL is set, the HTTP provider.
func NewRegistry(logger *slog.Logger, cfg RegistryConfig) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	tools.RegisterBuiltins(reg, logger)

	if err := reg.LoadToolPlugins(cfg.PluginsPath); err != nil {
		return nil, fmt.Errorf("failed to load tool plugins: %w", err)
	}

	if cfg.ProviderURL == "" {
		return reg, nil
	}

	client, err := httpprovider.New(logger, httpprovider.Config{
		BaseURL:           cfg.ProviderURL,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}

	reg.RegisterProvider(HTTPProviderID, client)

	for _, kind := range cfg.RemoteKinds {
		if kind = strings.TrimSpace(kind); kind != "" {
			reg.RegisterRemote(kind, HTTPProviderID)
		}
	}

	return reg, nil
}
