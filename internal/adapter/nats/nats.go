// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/sentry-webhooks/internal/config"
	"github.com/Strob0t/sentry-webhooks/internal/logger"
	"github.com/Strob0t/sentry-webhooks/internal/port/messagequeue"
)

const (
	headerRequestID = "X-Request-ID"

	// maxDeliver bounds redeliveries of a message whose handler keeps failing
	// before it is parked on the dead-letter subject.
	maxDeliver = 3

	dlqSuffix = ".dlq"

	defaultAckWait = 30 * time.Second
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   string
	consumer string
	ackWait  time.Duration
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the event stream exists.
func Connect(ctx context.Context, cfg config.NATS) (*Queue, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("sentry-webhooks"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{"events.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckWait
	}
	return &Queue{nc: nc, js: js, stream: cfg.Stream, consumer: cfg.Consumer, ackWait: ackWait}, nil
}

// Publish sends a message to the given subject, carrying the request ID.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// consumerName derives a durable name per filtered subject so several
// subscriptions on one Queue do not share a consumer.
func (q *Queue) consumerName(subject string) string {
	name := q.consumer + "_" + subject
	out := []byte(name)
	for i, c := range out {
		if c == '.' || c == '*' || c == '>' || c == ' ' {
			out[i] = '_'
		}
	}
	return string(out)
}

// Subscribe registers a handler for messages on the given subject. Messages
// that fail validation go straight to "<subject>.dlq"; handler failures are
// redelivered up to maxDeliver times before they are dead-lettered too.
// While a handler runs, its message is marked in progress every half AckWait
// so a slow dispatch is never redelivered and dispatched twice.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       q.consumerName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxDeliver + 1,
		AckWait:       q.ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	ctx := context.Background()
	if id := msg.Headers().Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		slog.WarnContext(ctx, "invalid message", "subject", msg.Subject(), "error", err)
		q.deadLetter(ctx, msg)
		return
	}

	stop := keepAlive(q.ackWait/2, msg.InProgress)
	err := handler(ctx, msg.Subject(), msg.Data())
	stop()

	if err != nil {
		slog.ErrorContext(ctx, "message handler failed", "subject", msg.Subject(), "error", err)
		if deliveries(msg) >= maxDeliver {
			q.deadLetter(ctx, msg)
			return
		}
		if nakErr := msg.Nak(); nakErr != nil {
			slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", ackErr)
	}
}

// keepAlive calls touch every interval until stop returns. stop waits for a
// running touch so no InProgress is sent after the final ack.
func keepAlive(interval time.Duration, touch func() error) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := touch(); err != nil {
					slog.Warn("nats in-progress failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func deliveries(msg jetstream.Msg) uint64 {
	md, err := msg.Metadata()
	if err != nil {
		return 0
	}
	return md.NumDelivered
}

// deadLetter republishes msg on its DLQ subject and terminates it.
func (q *Queue) deadLetter(ctx context.Context, msg jetstream.Msg) {
	dlq := msg.Subject() + dlqSuffix
	if err := q.Publish(ctx, dlq, msg.Data()); err != nil {
		slog.ErrorContext(ctx, "dead-letter publish failed", "subject", dlq, "error", err)
		_ = msg.Nak()
		return
	}
	if err := msg.Term(); err != nil {
		slog.ErrorContext(ctx, "nats term failed", "error", err)
	}
}

// JetStream exposes the JetStream context for adapters built on it.
func (q *Queue) JetStream() jetstream.JetStream {
	return q.js
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// Ping reports an error when the connection is down, for the health endpoint.
func (q *Queue) Ping(_ context.Context) error {
	if !q.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close drains subscriptions and shuts down the NATS connection.
func (q *Queue) Close() error {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
