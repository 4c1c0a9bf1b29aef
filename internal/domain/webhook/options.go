// Package webhook defines the webhook plugin options and outbound payloads.
package webhook

import (
	"errors"
	"fmt"
	"strings"
)

// PluginSlug is the key under which the plugin and its options are registered.
const PluginSlug = "webhooks"

// Option keys in the project configuration store.
const (
	KeyURLs     = "urls"
	KeyChannel  = "channel"
	KeyUsername = "username"
)

// Keys lists every option the plugin reads.
var Keys = []string{KeyURLs, KeyChannel, KeyUsername}

// ChannelPrefix is the marker every configured channel must start with.
const ChannelPrefix = "#"

// Options is the per-project plugin configuration.
type Options struct {
	URLs     string `json:"urls"` // one callback URL per line
	Channel  string `json:"channel"`
	Username string `json:"username"`
}

// IsConfigured reports whether every required option is present.
// All three fields are mandatory; a partially filled form leaves the plugin inactive.
func (o Options) IsConfigured() bool {
	return strings.TrimSpace(o.URLs) != "" &&
		strings.TrimSpace(o.Channel) != "" &&
		strings.TrimSpace(o.Username) != ""
}

// WebhookURLs returns the configured callback URLs in order.
func (o Options) WebhookURLs() []string {
	return ParseURLs(o.URLs)
}

// ParseURLs splits a multi-line value into trimmed, non-empty lines.
func ParseURLs(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	var urls []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}
	return urls
}

// Get returns the option stored under key.
func (o Options) Get(key string) string {
	switch key {
	case KeyURLs:
		return o.URLs
	case KeyChannel:
		return o.Channel
	case KeyUsername:
		return o.Username
	}
	return ""
}

// Set stores value under key. Unknown keys are ignored.
func (o *Options) Set(key, value string) {
	switch key {
	case KeyURLs:
		o.URLs = value
	case KeyChannel:
		o.Channel = value
	case KeyUsername:
		o.Username = value
	}
}

// ValidateChannel checks the channel starts with ChannelPrefix.
func ValidateChannel(channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return errors.New("channel is required")
	}
	if !strings.HasPrefix(channel, ChannelPrefix) {
		return fmt.Errorf("channel must start with %q", ChannelPrefix)
	}
	return nil
}

// ValidateFields checks the non-network fields of o. URL reachability is
// checked separately against the disallowed networks.
func (o Options) ValidateFields() error {
	var errs []error
	if len(o.WebhookURLs()) == 0 {
		errs = append(errs, errors.New("urls: at least one callback URL is required"))
	}
	if err := ValidateChannel(o.Channel); err != nil {
		errs = append(errs, fmt.Errorf("channel: %w", err))
	}
	if strings.TrimSpace(o.Username) == "" {
		errs = append(errs, errors.New("username: username is required"))
	}
	return errors.Join(errs...)
}
