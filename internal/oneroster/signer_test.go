package oneroster

import (
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"
)

func fixedSigner(clientID, clientSecret string) *Signer {
	s := NewSigner(clientID, clientSecret)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	s.nonce = func(length int) string { return strings.Repeat("a", length) }
	return s
}

func TestSigner_Deterministic(t *testing.T) {
	params := url.Values{}
	params.Set("limit", "2000")
	params.Set("offset", "0")
	params.Set("orderBy", "asc")

	s := fixedSigner("key123", "secret456")

	first, err := s.AuthorizationHeader("GET", "https://example.classlink.io/ims/oneroster/v1p1/users", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.AuthorizationHeader("GET", "https://example.classlink.io/ims/oneroster/v1p1/users", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("same inputs produced different headers:\n%s\n%s", first, second)
	}
}

func TestSigner_MethodInBaseString(t *testing.T) {
	params := url.Values{}
	params.Set("limit", "2000")

	s := fixedSigner("key123", "secret456")
	reqURL := "https://example.classlink.io/ims/oneroster/v1p1/users"

	get, err := s.AuthorizationHeader("GET", reqURL, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lower, err := s.AuthorizationHeader("get", reqURL, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if get != lower {
		t.Error("method must be upper-cased before signing")
	}

	post, err := s.AuthorizationHeader("POST", reqURL, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if get == post {
		t.Error("different HTTP methods must produce different signatures")
	}
}

func TestSigner_HeaderShape(t *testing.T) {
	params := url.Values{}
	params.Set("limit", "100")

	s := fixedSigner("key123", "secret456")
	header, err := s.AuthorizationHeader("GET", "https://example.classlink.io/ims/oneroster/v1p1/users", params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(header, "OAuth ") {
		t.Errorf("header missing OAuth prefix: %s", header)
	}
	if strings.Contains(header, "oauth_version") {
		t.Errorf("header must not carry oauth_version: %s", header)
	}
	// Business query params never appear in the header, only in the base string
	if strings.Contains(header, "limit") {
		t.Errorf("business parameter leaked into header: %s", header)
	}

	wantKeys := []string{
		"oauth_consumer_key",
		"oauth_nonce",
		"oauth_signature",
		"oauth_signature_method",
		"oauth_timestamp",
	}
	body := strings.TrimPrefix(header, "OAuth ")
	parts := strings.Split(body, ", ")
	if len(parts) != len(wantKeys) {
		t.Fatalf("expected %d header params, got %d: %s", len(wantKeys), len(parts), header)
	}
	// Params must be sorted by key
	for i, part := range parts {
		if !strings.HasPrefix(part, wantKeys[i]+`="`) {
			t.Errorf("param %d: expected key %s, got %s", i, wantKeys[i], part)
		}
		if !strings.HasSuffix(part, `"`) {
			t.Errorf("param %d not quote-terminated: %s", i, part)
		}
	}
}

func TestSigner_NonceLengthTracksTimestamp(t *testing.T) {
	s := NewSigner("key", "secret")
	s.now = func() time.Time { return time.Unix(1700000000, 0) } // 10 digits

	var gotLength int
	s.nonce = func(length int) string {
		gotLength = length
		return strings.Repeat("x", length)
	}

	if _, err := s.AuthorizationHeader("GET", "https://example.com/users", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLength != 10 {
		t.Errorf("expected nonce length 10, got %d", gotLength)
	}
}

func TestSigner_SignatureChangesWithParams(t *testing.T) {
	s := fixedSigner("key123", "secret456")

	page1 := url.Values{}
	page1.Set("limit", "2000")
	page1.Set("offset", "0")
	page2 := url.Values{}
	page2.Set("limit", "2000")
	page2.Set("offset", "2000")

	first, err := s.AuthorizationHeader("GET", "https://example.com/users", page1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.AuthorizationHeader("GET", "https://example.com/users", page2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Error("different query params must produce different signatures")
	}
}

func TestPercentEncode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unreserved passthrough", "AZaz09-._~", "AZaz09-._~"},
		{"space is %20 not plus", "a b", "a%20b"},
		{"ampersand", "a&b", "a%26b"},
		{"equals", "a=b", "a%3Db"},
		{"plus", "a+b", "a%2Bb"},
		{"slash and colon", "https://x", "https%3A%2F%2Fx"},
		{"utf-8 bytes", "é", "%C3%A9"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentEncode(tt.input); got != tt.want {
				t.Errorf("percentEncode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeParams(t *testing.T) {
	got := normalizeParams(map[string]string{
		"orderBy": "asc",
		"limit":   "2000",
		"q":       "a b",
	})
	want := "limit=2000&orderBy=asc&q=a%20b"
	if got != want {
		t.Errorf("normalizeParams = %q, want %q", got, want)
	}
}

func TestRandomNonce(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Za-z0-9]+$`)
	for _, length := range []int{1, 10, 32} {
		nonce := randomNonce(length)
		if len(nonce) != length {
			t.Errorf("randomNonce(%d) has length %d", length, len(nonce))
		}
		if !pattern.MatchString(nonce) {
			t.Errorf("randomNonce(%d) = %q, not alphanumeric", length, nonce)
		}
	}
}
