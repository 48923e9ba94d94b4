package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Header names attached to HMAC-authenticated requests against the proof
// oracle and the transaction relayer.
const (
	HeaderAPIKey    = "X-Rafflebot-Key"
	HeaderTimestamp = "X-Rafflebot-Timestamp"
	HeaderSignature = "X-Rafflebot-Signature"
)

// HMACAuth holds the credentials for HMAC-authenticated service calls.
type HMACAuth struct {
	Key    string // API key
	Secret string // base64-encoded; raw bytes are used if decoding fails
}

// Headers returns the auth headers for a request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	sig := hmacSHA256Base64(h.secretBytes(), ts+method+path+body)

	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: sig,
	}
}

// Apply sets the auth headers on req for the given body.
func (h *HMACAuth) Apply(req *http.Request, body []byte) {
	for k, v := range h.Headers(req.Method, req.URL.Path, string(body)) {
		req.Header.Set(k, v)
	}
}

// Verify checks headers produced by Headers. maxSkew bounds how old the
// timestamp may be.
func (h *HMACAuth) Verify(headers http.Header, method, path, body string, now time.Time, maxSkew time.Duration) bool {
	if headers.Get(HeaderAPIKey) != h.Key {
		return false
	}
	ts, err := strconv.ParseInt(headers.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > maxSkew || d < -maxSkew {
		return false
	}
	want := h.HeadersAt(method, path, body, ts)[HeaderSignature]
	return hmac.Equal([]byte(want), []byte(headers.Get(HeaderSignature)))
}

func (h *HMACAuth) secretBytes() []byte {
	b, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		return []byte(h.Secret)
	}
	return b
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
