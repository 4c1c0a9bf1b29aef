package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Strob0t/sentry-webhooks/internal/domain"
	"github.com/Strob0t/sentry-webhooks/internal/domain/webhook"
	"github.com/Strob0t/sentry-webhooks/internal/port/options"
)

// URLValidator decides whether a callback URL may receive webhooks.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// OptionsService reads and writes the per-project webhook options.
type OptionsService struct {
	store options.Store
	guard URLValidator
}

// NewOptionsService creates an OptionsService. guard validates URLs on Update.
func NewOptionsService(store options.Store, guard URLValidator) *OptionsService {
	return &OptionsService{store: store, guard: guard}
}

// Load returns the stored options of a project. Missing keys are left empty;
// use Options.IsConfigured to decide whether the plugin is active.
func (s *OptionsService) Load(ctx context.Context, projectID string) (webhook.Options, error) {
	var opts webhook.Options
	for _, key := range webhook.Keys {
		value, _, err := s.store.GetOption(ctx, projectID, webhook.PluginSlug, key)
		if err != nil {
			return webhook.Options{}, fmt.Errorf("load webhook options: %w", err)
		}
		opts.Set(key, value)
	}
	return opts, nil
}

// Update validates opts the way the settings form does and stores them.
// Validation failures wrap domain.ErrValidation and store nothing.
func (s *OptionsService) Update(ctx context.Context, projectID string, opts webhook.Options) error {
	if projectID == "" {
		return fmt.Errorf("project id is required: %w", domain.ErrValidation)
	}
	if err := s.Validate(ctx, opts); err != nil {
		return err
	}

	normalized := webhook.Options{
		URLs:     strings.Join(opts.WebhookURLs(), "\n"),
		Channel:  strings.TrimSpace(opts.Channel),
		Username: strings.TrimSpace(opts.Username),
	}
	for _, key := range webhook.Keys {
		if err := s.store.SetOption(ctx, projectID, webhook.PluginSlug, key, normalized.Get(key)); err != nil {
			return fmt.Errorf("save webhook option %s: %w", key, err)
		}
	}
	return nil
}

// Validate checks every field and every URL, reporting all problems at once.
func (s *OptionsService) Validate(ctx context.Context, opts webhook.Options) error {
	errs := []error{opts.ValidateFields()}
	for _, u := range opts.WebhookURLs() {
		if err := s.guard.Validate(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("urls: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return nil
}

// Delete removes the project's webhook options, deactivating the plugin.
func (s *OptionsService) Delete(ctx context.Context, projectID string) error {
	if err := s.store.DeleteOptions(ctx, projectID, webhook.PluginSlug); err != nil {
		return fmt.Errorf("delete webhook options: %w", err)
	}
	return nil
}
