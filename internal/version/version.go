// Package version holds the build version reported in outbound User-Agent headers.
package version

// Version is overridden at build time with -ldflags "-X .../internal/version.Version=...".
var Version = "0.4.0"

// UserAgent returns the User-Agent value sent with every webhook request.
func UserAgent() string {
	return "sentry-webhooks/" + Version
}
