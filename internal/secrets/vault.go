// Package secrets holds the credentials the HTTP API checks and swaps them
// atomically when they are reloaded.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Credential keys.
const (
	KeyIngestSecret = "ingest_secret"
	KeyAPIToken     = "api_token"
)

// Loader retrieves secrets from a source (config, mounted files, ...).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values: vals,
		loader: loader,
	}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Getter binds key so middleware always sees the current value.
func (v *Vault) Getter(key string) func() string {
	return func() string { return v.Get(key) }
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

// Static returns a Loader serving fixed values. Empty values are omitted.
func Static(vals map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(vals))
		for k, v := range vals {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// DirLoader reads one file per key from dir, the layout of a mounted
// Kubernetes secret. Missing files are omitted; an empty dir loads nothing.
func DirLoader(dir string, keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		if dir == "" {
			return vals, nil
		}
		for _, k := range keys {
			data, err := os.ReadFile(filepath.Join(dir, k)) //nolint:gosec // G304: operator-supplied secrets dir
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, fmt.Errorf("read secret %s: %w", k, err)
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// Chain merges loaders in order; later loaders override earlier ones.
func Chain(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		for _, l := range loaders {
			vals, err := l()
			if err != nil {
				return nil, err
			}
			for k, v := range vals {
				out[k] = v
			}
		}
		return out, nil
	}
}
