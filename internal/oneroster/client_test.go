package oneroster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bookmarked/rostercache/internal/domain"
)

func newTestClient(mgmtURL string) *Client {
	return NewClient(&ClientConfig{ManagementURL: mgmtURL}, nil)
}

func TestResolveCredentials_CachesResult(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer mgmt-token" {
			t.Errorf("unexpected authorization header: %s", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server": map[string]string{
				"endpoint_url":  "https://district.example.com",
				"client_id":     "district-key",
				"client_secret": "district-secret",
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	first, err := c.ResolveCredentials(ctx, "mgmt-token", "app-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ClientID != "district-key" || first.ClientSecret != "district-secret" {
		t.Errorf("unexpected credentials: %+v", first)
	}

	second, err := c.ResolveCredentials(ctx, "mgmt-token", "app-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Error("expected cached credentials instance on second call")
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("expected 1 upstream call, got %d", got)
	}
}

func TestResolveCredentials_NotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
		},
		{
			name: "missing server block",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{}`)
			},
		},
		{
			name: "empty endpoint url",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"server":{"endpoint_url":"","client_id":"k","client_secret":"s"}}`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := newTestClient(srv.URL)
			if _, err := c.ResolveCredentials(context.Background(), "token", "app-x"); err != ErrCredentialsNotFound {
				t.Errorf("expected ErrCredentialsNotFound, got %v", err)
			}
		})
	}
}

func TestResolveCredentials_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(&ClientConfig{
		ManagementURL: srv.URL,
		MgmtTimeout:   100 * time.Millisecond,
	}, nil)

	start := time.Now()
	_, err := c.ResolveCredentials(context.Background(), "token", "app-slow")
	if err == nil {
		t.Fatal("expected error from stalled management API")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call should be bounded by the management timeout, took %v", elapsed)
	}
}

func TestFetchPage_SignedAndPaged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "OAuth ") || !strings.Contains(auth, "oauth_signature=") {
			t.Errorf("request not OAuth signed: %s", auth)
		}
		q := r.URL.Query()
		if q.Get("limit") != "100" || q.Get("offset") != "200" || q.Get("orderBy") != "asc" {
			t.Errorf("unexpected query params: %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"users":[{"sourcedId":"u1","role":"student"},{"sourcedId":"u2","role":"teacher"}]}`)
	}))
	defer srv.Close()

	c := newTestClient("unused")
	creds := &domain.Credentials{EndpointURL: srv.URL, ClientID: "k", ClientSecret: "s"}

	records, err := c.FetchPage(context.Background(), creds, APIUsers, 100, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].SourcedID() != "u1" {
		t.Errorf("unexpected first record: %v", records[0])
	}
}

func TestFetchPage_SoftFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{not json`)
			},
		},
		{
			name: "missing collection key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"statusInfoSet":[]}`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := newTestClient("unused")
			creds := &domain.Credentials{EndpointURL: srv.URL, ClientID: "k", ClientSecret: "s"}

			records, err := c.FetchPage(context.Background(), creds, APIOrgs, 10, 0)
			if err != nil {
				t.Fatalf("soft failure must not return an error, got %v", err)
			}
			if records == nil || len(records) != 0 {
				t.Errorf("expected empty non-nil slice, got %v", records)
			}
		})
	}
}

func TestFetchPage_TransportError(t *testing.T) {
	c := newTestClient("unused")
	// Closed server: connection refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	creds := &domain.Credentials{EndpointURL: srv.URL, ClientID: "k", ClientSecret: "s"}
	if _, err := c.FetchPage(context.Background(), creds, APIClasses, 10, 0); err == nil {
		t.Error("expected a transport error from a closed server")
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/applications" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"applications":[{"id":"a"},{"id":"b"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ok, msg, count := c.TestConnection(context.Background(), "token")
	if !ok {
		t.Fatalf("expected success, got %q", msg)
	}
	if count != 2 {
		t.Errorf("expected 2 applications, got %d", count)
	}
}

func TestTestConnection_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ok, msg, _ := c.TestConnection(context.Background(), "bad-token")
	if ok {
		t.Error("expected failure for 401 response")
	}
	if !strings.Contains(msg, "401") {
		t.Errorf("message should mention status: %q", msg)
	}
}
