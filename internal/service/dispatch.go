// Package service contains the webhook dispatcher and the services around it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/Strob0t/sentry-webhooks/internal/adapter/outbound"
	cfotel "github.com/Strob0t/sentry-webhooks/internal/adapter/otel"
	"github.com/Strob0t/sentry-webhooks/internal/config"
	"github.com/Strob0t/sentry-webhooks/internal/domain"
	"github.com/Strob0t/sentry-webhooks/internal/domain/issue"
	"github.com/Strob0t/sentry-webhooks/internal/domain/webhook"
	"github.com/Strob0t/sentry-webhooks/internal/logger"
	"github.com/Strob0t/sentry-webhooks/internal/port/plugin"
	"github.com/Strob0t/sentry-webhooks/internal/resilience"
	"github.com/Strob0t/sentry-webhooks/internal/version"
	"github.com/Strob0t/sentry-webhooks/internal/workpool"
)

// OptionsLoader returns the webhook options of a project.
type OptionsLoader interface {
	Load(ctx context.Context, projectID string) (webhook.Options, error)
}

// Sender delivers one serialized payload to one URL.
type Sender interface {
	Send(ctx context.Context, url string, body []byte) outbound.Result
}

// Outcome classifies what happened to one configured URL.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeFailed     Outcome = "failed"
	OutcomeRejected   Outcome = "rejected"   // failed URL validation
	OutcomeSuppressed Outcome = "suppressed" // circuit breaker open
	OutcomeCancelled  Outcome = "cancelled"
	OutcomePanicked   Outcome = "panicked"
)

// Reasons an event produced no deliveries.
const (
	SkipNotNew        = "not_new"
	SkipNotConfigured = "not_configured"
	SkipOptionsError  = "options_error"
	SkipPayloadError  = "payload_error"
)

// Delivery is the result for one URL of a dispatch.
type Delivery struct {
	URL        string
	Outcome    Outcome
	StatusCode int
	Duration   time.Duration
	Err        error
}

// DispatchReport summarizes one PostProcess call.
type DispatchReport struct {
	DispatchID string
	SkipReason string
	Deliveries []Delivery
}

// Count returns how many deliveries ended with outcome o.
func (r DispatchReport) Count(o Outcome) int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

// DispatcherConfig holds the dispatch policy knobs.
type DispatcherConfig struct {
	Policy string // config.PolicyNewOnly or config.PolicyAlways
	Format string // webhook.FormatSlack or webhook.FormatGroup

	// LookupTimeout bounds the host lookup done while validating a URL.
	LookupTimeout time.Duration
}

// Dispatcher is the webhooks plugin: it posts a message to every configured
// URL of a project when an event is stored.
type Dispatcher struct {
	options  OptionsLoader
	guard    URLValidator
	sender   Sender
	breakers *resilience.Set
	pool     *workpool.Pool
	metrics  *cfotel.Metrics
	cfg      DispatcherConfig
}

var _ plugin.Plugin = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. breakers, pool and metrics may be nil.
func NewDispatcher(
	opts OptionsLoader,
	guard URLValidator,
	sender Sender,
	breakers *resilience.Set,
	pool *workpool.Pool,
	metrics *cfotel.Metrics,
	cfg DispatcherConfig,
) *Dispatcher {
	if metrics == nil {
		metrics, _ = cfotel.NewMetricsFrom(noop.NewMeterProvider())
	}
	if cfg.Policy == "" {
		cfg.Policy = config.PolicyNewOnly
	}
	if cfg.Format == "" {
		cfg.Format = webhook.FormatSlack
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = outbound.DefaultTimeout
	}
	return &Dispatcher{
		options:  opts,
		guard:    guard,
		sender:   sender,
		breakers: breakers,
		pool:     pool,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func (d *Dispatcher) validate(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()
	return d.guard.Validate(ctx, rawURL)
}

// Info describes the plugin.
func (d *Dispatcher) Info() plugin.Info {
	return plugin.Info{
		Slug:        webhook.PluginSlug,
		Title:       "WebHooks",
		Version:     version.Version,
		Description: "Integrates web hooks.",
		Links: []plugin.Link{
			{Title: "Bug Tracker", URL: "https://github.com/Strob0t/sentry-webhooks/issues"},
			{Title: "Source", URL: "https://github.com/Strob0t/sentry-webhooks"},
		},
	}
}

// PostProcess dispatches the event. It never fails: every problem is logged.
// isSample is accepted for the plugin contract and not used.
func (d *Dispatcher) PostProcess(ctx context.Context, group *issue.Group, event *issue.Event, isNew, _ bool) {
	_ = d.Dispatch(ctx, group, event, isNew)
}

// Dispatch runs the gates and fans out to every URL, returning what happened.
func (d *Dispatcher) Dispatch(ctx context.Context, group *issue.Group, event *issue.Event, isNew bool) DispatchReport {
	report := DispatchReport{DispatchID: uuid.NewString()}
	if event.ID != "" && logger.EventID(ctx) == "" {
		ctx = logger.WithEventID(ctx, event.ID)
	}
	log := slog.With("dispatch_id", report.DispatchID, "project_id", group.Project.ID, "group_id", group.ID)

	if !isNew && d.cfg.Policy != config.PolicyAlways {
		log.DebugContext(ctx, "webhooks skipped, event is not new")
		report.SkipReason = SkipNotNew
		return report
	}

	opts, err := d.options.Load(ctx, group.Project.ID)
	if err != nil {
		log.ErrorContext(ctx, "webhooks skipped, options unavailable", "error", err)
		report.SkipReason = SkipOptionsError
		return report
	}
	if !opts.IsConfigured() {
		log.DebugContext(ctx, "webhooks skipped", "reason", domain.ErrNotConfigured)
		report.SkipReason = SkipNotConfigured
		return report
	}

	payload, err := webhook.Build(d.cfg.Format, group, event, opts)
	if err != nil {
		log.ErrorContext(ctx, "webhooks skipped, payload build failed", "error", err)
		report.SkipReason = SkipPayloadError
		return report
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.ErrorContext(ctx, "webhooks skipped, payload encode failed", "error", err)
		report.SkipReason = SkipPayloadError
		return report
	}

	urls := opts.WebhookURLs()
	ctx, span := cfotel.StartDispatchSpan(ctx, group.Project.ID, group.ID, event.ID, len(urls))
	defer span.End()

	d.metrics.EventsProcessed.Add(ctx, 1)
	log.DebugContext(ctx, "dispatching webhooks", "urls", len(urls), "format", d.cfg.Format, "bytes", len(body))

	report.Deliveries = make([]Delivery, len(urls))
	skipped := d.pool.Each(ctx, len(urls), func(i int) {
		report.Deliveries[i] = d.deliver(ctx, log, urls[i], body)
	})
	for _, i := range skipped {
		report.Deliveries[i] = Delivery{URL: urls[i], Outcome: OutcomeCancelled, Err: ctx.Err()}
	}

	if n := len(urls) - report.Count(OutcomeDelivered); n > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d webhooks not delivered", n, len(urls)))
	}
	log.DebugContext(ctx, "webhooks dispatched",
		"delivered", report.Count(OutcomeDelivered),
		"failed", report.Count(OutcomeFailed),
		"rejected", report.Count(OutcomeRejected),
		"suppressed", report.Count(OutcomeSuppressed),
	)
	return report
}

// deliver handles one URL. It recovers panics so one URL cannot affect others.
func (d *Dispatcher) deliver(ctx context.Context, log *slog.Logger, rawURL string, body []byte) (out Delivery) {
	out = Delivery{URL: rawURL}
	host := hostOf(rawURL)
	log = log.With("host", host)

	defer func() {
		if rec := recover(); rec != nil {
			log.ErrorContext(ctx, "webhook delivery panicked", "panic", rec)
			out.Outcome = OutcomePanicked
			out.Err = fmt.Errorf("panic: %v", rec)
		}
	}()

	if err := d.validate(ctx, rawURL); err != nil {
		log.ErrorContext(ctx, "webhook url rejected", "error", err)
		d.metrics.Rejected.Add(ctx, 1)
		out.Outcome = OutcomeRejected
		out.Err = err
		return out
	}

	if !d.breakers.Allow(rawURL) {
		log.WarnContext(ctx, "webhook suppressed", "error", resilience.ErrCircuitOpen)
		d.metrics.Suppressed.Add(ctx, 1)
		out.Outcome = OutcomeSuppressed
		out.Err = resilience.ErrCircuitOpen
		return out
	}

	ctx, span := cfotel.StartDeliverySpan(ctx, uuid.NewString(), host)
	defer span.End()

	res := d.sender.Send(ctx, rawURL, body)
	d.breakers.Record(rawURL, res.Err)
	d.metrics.DeliveryTime.Record(ctx, res.Duration.Seconds())

	out.StatusCode = res.StatusCode
	out.Duration = res.Duration
	out.Err = res.Err
	if res.OK() {
		log.DebugContext(ctx, "webhook delivered", "status", res.StatusCode, "duration", res.Duration)
		d.metrics.Delivered.Add(ctx, 1)
		out.Outcome = OutcomeDelivered
		return out
	}

	span.RecordError(res.Err)
	span.SetStatus(codes.Error, "delivery failed")
	var se *outbound.StatusError
	if errors.As(res.Err, &se) {
		log.WarnContext(ctx, "webhook rejected by target", "status", se.StatusCode, "duration", res.Duration, "error", res.Err)
	} else {
		log.WarnContext(ctx, "webhook send failed", "duration", res.Duration, "error", res.Err)
	}
	d.metrics.Failed.Add(ctx, 1)
	out.Outcome = OutcomeFailed
	return out
}

// hostOf returns the host of rawURL for logs. Paths and queries of webhook
// URLs often embed tokens and are never logged.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
