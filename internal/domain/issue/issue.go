// Package issue defines the error-tracking records handed to plugins by the event pipeline.
package issue

import "errors"

// Project identifies the project that owns a group.
type Project struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Group aggregates events that share a fingerprint.
type Group struct {
	ID       string  `json:"id"`
	Checksum string  `json:"checksum"`
	Project  Project `json:"project"`
	Logger   string  `json:"logger"`
	Level    string  `json:"level"` // display form, e.g. "error", "warning"
	Culprit  string  `json:"culprit"`
	URL      string  `json:"url"` // canonical absolute URL of the group
	Title    string  `json:"title"`
}

// Event is a single recorded occurrence of an error.
type Event struct {
	ID      string         `json:"id"`
	GroupID string         `json:"group_id"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// PostProcess is the message the pipeline publishes once an event is stored.
type PostProcess struct {
	Group    Group `json:"group"`
	Event    Event `json:"event"`
	IsNew    bool  `json:"is_new"`
	IsSample bool  `json:"is_sample"`
}

// Validate checks the fields plugins rely on to look up configuration.
func (p *PostProcess) Validate() error {
	if p.Group.Project.ID == "" {
		return errors.New("group.project.id is required")
	}
	return nil
}
