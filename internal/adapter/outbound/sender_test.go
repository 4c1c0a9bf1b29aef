package outbound

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/Strob0t/sentry-webhooks/internal/version"
)

func TestSendSuccess(t *testing.T) {
	var gotUA, gotCT, gotMethod string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSender()
	res := s.Send(context.Background(), srv.URL, []byte(`{"text":"hi"}`))
	if !res.OK() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d", res.StatusCode)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s", gotMethod)
	}
	if gotUA != "sentry-webhooks/"+version.Version {
		t.Errorf("user-agent = %q", gotUA)
	}
	if gotCT != "application/json" {
		t.Errorf("content-type = %q", gotCT)
	}
	if string(gotBody) != `{"text":"hi"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestSendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := NewSender().Send(context.Background(), srv.URL, []byte(`{}`))
	var se *StatusError
	if !errors.As(res.Err, &se) {
		t.Fatalf("expected StatusError, got %v", res.Err)
	}
	if se.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", se.StatusCode)
	}
}

func TestSendDoesNotFollowRedirect(t *testing.T) {
	var redirected atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		redirected.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	res := NewSender().Send(context.Background(), srv.URL, []byte(`{}`))
	if res.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 result, got %d", res.StatusCode)
	}
	var se *StatusError
	if !errors.As(res.Err, &se) || se.Location != target.URL {
		t.Fatalf("expected StatusError with location, got %v", res.Err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 request to origin, got %d", hits.Load())
	}
	if redirected.Load() != 0 {
		t.Errorf("redirect target must not be contacted, got %d hits", redirected.Load())
	}
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := NewSender(WithTimeout(50 * time.Millisecond))
	res := s.Send(context.Background(), srv.URL, []byte(`{}`))
	if res.Err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", res.Err)
	}
	if res.Duration > 2*time.Second {
		t.Errorf("timeout not enforced, took %v", res.Duration)
	}
}

func TestSendConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := NewSender().Send(context.Background(), url, []byte(`{}`))
	if res.Err == nil {
		t.Fatal("expected transport error")
	}
}

func TestSendBadURL(t *testing.T) {
	res := NewSender().Send(context.Background(), "http://[::1", []byte(`{}`))
	if res.Err == nil {
		t.Fatal("expected request construction error")
	}
}

func TestOptions(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	s := NewSender(WithUserAgent("custom/1"), WithTimeout(0), WithTransport(http.DefaultTransport))
	if s.Timeout() != DefaultTimeout {
		t.Errorf("zero timeout should keep default, got %v", s.Timeout())
	}
	if res := s.Send(context.Background(), srv.URL, nil); !res.OK() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if gotUA != "custom/1" {
		t.Errorf("user-agent = %q", gotUA)
	}
}

func TestSendErrorOmitsURL(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/services/T000/B000/s3cr3t-token"
	srv.Close()

	res := NewSender().Send(context.Background(), url, []byte(`{}`))
	if res.Err == nil {
		t.Fatal("expected transport error")
	}
	if strings.Contains(res.Err.Error(), "s3cr3t-token") {
		t.Fatalf("error leaks the webhook path: %v", res.Err)
	}
}

func TestSendDialControlBlocks(t *testing.T) {
	errBlocked := errors.New("blocked")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	var dialed atomic.Int32
	s := NewSender(WithDialControl(func(_, _ string, _ syscall.RawConn) error {
		dialed.Add(1)
		return errBlocked
	}))
	res := s.Send(context.Background(), srv.URL, []byte(`{}`))
	if !errors.Is(res.Err, errBlocked) {
		t.Fatalf("expected dial control error, got %v", res.Err)
	}
	if dialed.Load() == 0 {
		t.Error("control hook was not consulted")
	}
	if hits.Load() != 0 {
		t.Errorf("blocked target received %d requests", hits.Load())
	}

	open := NewSender(WithDialControl(func(string, string, syscall.RawConn) error { return nil }))
	if res := open.Send(context.Background(), srv.URL, []byte(`{}`)); !res.OK() {
		t.Fatalf("allowed dial failed: %v", res.Err)
	}
}
