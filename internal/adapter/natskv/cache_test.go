package natskv_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/sentry-webhooks/internal/adapter/natskv"
	"github.com/Strob0t/sentry-webhooks/internal/port/cache/cachetest"
)

func TestCache_Compliance(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}

	ctx := context.Background()
	bucket := "test_options_" + uuid.NewString()[:8]
	c, err := natskv.Open(ctx, js, bucket, time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = js.DeleteKeyValue(context.Background(), bucket) })

	cachetest.Run(t, c)

	// Keys outside the KV alphabet must still round-trip.
	if err := c.Set(ctx, "opt:proj 1/webhooks:urls", []byte("x"), time.Minute); err != nil {
		t.Fatalf("set odd key: %v", err)
	}
	if v, ok, err := c.Get(ctx, "opt:proj 1/webhooks:urls"); err != nil || !ok || string(v) != "x" {
		t.Fatalf("get odd key: v=%q ok=%v err=%v", v, ok, err)
	}
}
