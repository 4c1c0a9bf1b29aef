package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// HeaderSignature carries the HMAC-SHA256 of an ingest request body.
const HeaderSignature = "X-Sentry-Webhooks-Signature"

// maxSignedBody bounds the body read for signature verification.
const maxSignedBody = 1 << 20

// SignedBody returns middleware that validates an HMAC-SHA256 signature of
// the request body, hex encoded with an optional "sha256=" prefix. The secret
// is read per request so a reload takes effect immediately.
func SignedBody(secret func() string, header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := secret()
			if key == "" {
				http.Error(w, `{"error":"ingest secret not configured"}`, http.StatusServiceUnavailable)
				return
			}

			sig := r.Header.Get(header)
			if sig == "" {
				http.Error(w, "missing signature", http.StatusUnauthorized)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if len(body) > maxSignedBody {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !verifyHMAC(body, sig, key) {
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Sign returns the "sha256=<hex>" signature of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(payload []byte, signature, secret string) bool {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

// BearerToken returns middleware that requires "Authorization: Bearer <token>".
func BearerToken(token func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := token()
			if want == "" {
				http.Error(w, `{"error":"api token not configured"}`, http.StatusServiceUnavailable)
				return
			}

			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				http.Error(w, "invalid api token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
