// Package plugin defines the extension point the event pipeline calls after
// an event has been stored.
package plugin

import (
	"context"

	"github.com/Strob0t/sentry-webhooks/internal/domain/issue"
)

// Link is a named resource shown next to a plugin in listings.
type Link struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Info describes a registered plugin.
type Info struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Links       []Link `json:"links,omitempty"`
}

// Plugin reacts to stored events. PostProcess must not return errors to the
// pipeline; failures are handled and logged inside the plugin.
type Plugin interface {
	Info() Info
	PostProcess(ctx context.Context, group *issue.Group, event *issue.Event, isNew, isSample bool)
}
