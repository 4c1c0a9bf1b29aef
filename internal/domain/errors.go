// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotConfigured indicates a project has no complete webhook configuration.
var ErrNotConfigured = errors.New("webhooks: not configured")

// ErrValidation wraps field-level validation failures from the settings API.
var ErrValidation = errors.New("validation failed")
