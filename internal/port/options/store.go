// Package options defines the port for per-project plugin configuration.
package options

import "context"

// Store reads and writes plugin options keyed by project, plugin and key.
// Values are raw strings exactly as the settings form submitted them.
type Store interface {
	// GetOption returns the value and whether it exists.
	GetOption(ctx context.Context, projectID, plugin, key string) (string, bool, error)

	// SetOption creates or replaces an option.
	SetOption(ctx context.Context, projectID, plugin, key, value string) error

	// DeleteOptions removes every option of plugin for the project.
	DeleteOptions(ctx context.Context, projectID, plugin string) error
}
