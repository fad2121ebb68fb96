package proxy

import (
	"net/http"
	"testing"

	"github.com/aiproxy-dev/relay/internal/providertype"
)

func TestSessionBindKeyExtractsStableHash(t *testing.T) {
	body := []byte(`{"model":"gpt-4","metadata":{"user_id":"session_abc123"}}`)
	key1, ok := sessionBindKey(body)
	if !ok {
		t.Fatal("expected a session key to be extracted")
	}
	key2, ok := sessionBindKey(body)
	if !ok || key1 != key2 {
		t.Fatal("expected the same body to hash to the same session key")
	}

	other := []byte(`{"model":"gpt-4","metadata":{"user_id":"session_xyz789"}}`)
	key3, ok := sessionBindKey(other)
	if !ok || key3 == key1 {
		t.Fatal("expected a different user_id to produce a different session key")
	}
}

func TestSessionBindKeyAbsentWithoutMetadata(t *testing.T) {
	if _, ok := sessionBindKey([]byte(`{"model":"gpt-4"}`)); ok {
		t.Fatal("expected no session key without metadata.user_id")
	}
	if _, ok := sessionBindKey([]byte(`not json`)); ok {
		t.Fatal("expected no session key for unparseable body")
	}
}

func TestIsRetryableStatusDefaults(t *testing.T) {
	var cfg providertype.Config
	cases := map[int]bool{
		http.StatusBadGateway:         true,
		http.StatusServiceUnavailable: true,
		http.StatusGatewayTimeout:     true,
		http.StatusTooManyRequests:    false,
		http.StatusUnauthorized:       false,
		http.StatusOK:                 false,
	}
	for status, want := range cases {
		if got := isRetryableStatus(status, cfg); got != want {
			t.Errorf("isRetryableStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	d := parseRetryAfter("30")
	if d == nil || d.Seconds() != 30 {
		t.Fatalf("expected a 30s duration, got %v", d)
	}
}

func TestParseRetryAfterEmpty(t *testing.T) {
	if d := parseRetryAfter(""); d != nil {
		t.Fatalf("expected nil for an empty header, got %v", d)
	}
}
