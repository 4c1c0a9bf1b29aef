package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Strob0t/sentry-webhooks/internal/domain"
	"github.com/Strob0t/sentry-webhooks/internal/domain/issue"
	"github.com/Strob0t/sentry-webhooks/internal/logger"
)

// PostProcessor receives stored events; *plugin.Registry implements it.
type PostProcessor interface {
	PostProcess(ctx context.Context, msg *issue.PostProcess)
}

// IngestService feeds post-process messages from NATS or HTTP to the plugins.
type IngestService struct {
	plugins PostProcessor
	wg      sync.WaitGroup
}

// NewIngestService creates an IngestService.
func NewIngestService(plugins PostProcessor) *IngestService {
	return &IngestService{plugins: plugins}
}

// Decode parses and validates a post-process message. Events without an ID
// get a generated one so their log records can be correlated.
func Decode(data []byte) (*issue.PostProcess, error) {
	var msg issue.PostProcess
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode post-process message: %w", domain.ErrValidation, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if msg.Event.ID == "" {
		msg.Event.ID = uuid.NewString()
	}
	return &msg, nil
}

// HandleMessage is the messagequeue.Handler for SubjectPostProcess. It runs
// the plugins synchronously so the message is acked only after dispatch.
func (s *IngestService) HandleMessage(ctx context.Context, subject string, data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}
	s.process(ctx, msg)
	return nil
}

// Enqueue runs the plugins for msg in the background, detached from the
// caller's cancellation. Wait blocks until every enqueued message is done.
func (s *IngestService) Enqueue(ctx context.Context, msg *issue.PostProcess) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(ctx, msg)
	}()
}

// Wait blocks until background dispatches have finished.
func (s *IngestService) Wait() {
	s.wg.Wait()
}

func (s *IngestService) process(ctx context.Context, msg *issue.PostProcess) {
	ctx = logger.WithEventID(ctx, msg.Event.ID)
	slog.DebugContext(ctx, "post-process received",
		"project_id", msg.Group.Project.ID,
		"group_id", msg.Group.ID,
		"is_new", msg.IsNew,
	)
	s.plugins.PostProcess(ctx, msg)
}
