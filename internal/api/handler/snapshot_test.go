package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/oneroster"
	"github.com/bookmarked/rostercache/internal/snapshot"
)

type stubRoster struct {
	records map[oneroster.APIEntity][]domain.Record
}

func (s *stubRoster) ResolveCredentials(ctx context.Context, bearerToken, appID string) (*domain.Credentials, error) {
	return &domain.Credentials{EndpointURL: "https://district.example.com", ClientID: "k", ClientSecret: "s"}, nil
}

func (s *stubRoster) FetchPage(ctx context.Context, creds *domain.Credentials, entity oneroster.APIEntity, limit, offset int) ([]domain.Record, error) {
	if offset > 0 {
		return []domain.Record{}, nil
	}
	return s.records[entity], nil
}

type handlerFixture struct {
	manager *snapshot.Manager
	router  *gin.Engine
}

func newFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager, err := snapshot.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	roster := &stubRoster{
		records: map[oneroster.APIEntity][]domain.Record{
			oneroster.APIUsers: {
				{"sourcedId": "s1", "role": "student", "givenName": "Ada", "familyName": "Lovelace", "email": "ada@example.com"},
				{"sourcedId": "p1", "role": "parent", "givenName": "Pat", "familyName": "Lovelace",
					"agents": []interface{}{map[string]interface{}{"sourcedId": "s1", "type": "user"}}},
			},
		},
	}
	fetcher := snapshot.NewFetcher(manager, roster, nil, nil, &snapshot.FetcherConfig{
		PageSize:  100,
		PageDelay: time.Millisecond,
	}, nil)
	h := NewSnapshotHandler(manager, fetcher, nil, nil)

	r := gin.New()
	r.POST("/api/v1/snapshots/:district/fetch", h.TriggerFetch)
	r.GET("/api/v1/snapshots/:district", h.GetSnapshot)
	r.DELETE("/api/v1/snapshots/:district", h.DeleteOld)
	r.GET("/api/v1/snapshots/:district/search", h.Search)
	r.GET("/api/v1/snapshots/:district/parents/:id/children", h.ParentChildren)
	r.GET("/api/v1/snapshots/:district/sessions", h.ListSessions)

	return &handlerFixture{manager: manager, router: r}
}

func (f *handlerFixture) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// seedComplete builds one finished snapshot through the real fetch path.
func (f *handlerFixture) seedComplete(t *testing.T, date string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/snapshots/42/fetch", `{"app_id":"app-1","date":"`+date+`"}`, "token")
	if w.Code != http.StatusAccepted {
		t.Fatalf("seed fetch: status %d: %s", w.Code, w.Body.String())
	}

	key := domain.SnapshotKey{DistrictID: 42, Date: date, SourceType: domain.SourceClassLink}
	deadline := time.After(5 * time.Second)
	for {
		snap := f.manager.Get(key)
		if snap != nil && snap.Status == domain.StatusComplete {
			return
		}
		select {
		case <-deadline:
			t.Fatal("seeded snapshot did not complete")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTriggerFetch(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		path       string
		body       string
		bearer     string
		wantStatus int
	}{
		{"bad district", "/api/v1/snapshots/abc/fetch", `{"app_id":"a"}`, "token", http.StatusBadRequest},
		{"missing app id", "/api/v1/snapshots/42/fetch", `{}`, "token", http.StatusBadRequest},
		{"missing bearer", "/api/v1/snapshots/42/fetch", `{"app_id":"a"}`, "", http.StatusBadRequest},
		{"accepted", "/api/v1/snapshots/42/fetch", `{"app_id":"a","date":"2026-08-31"}`, "token", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, tt.body, tt.bearer)
			if w.Code != tt.wantStatus {
				t.Errorf("status %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestTriggerFetch_Conflict(t *testing.T) {
	f := newFixture(t)
	key := domain.SnapshotKey{DistrictID: 42, Date: "2026-08-31", SourceType: domain.SourceClassLink}
	if !f.manager.Initialize(key, "held") {
		t.Fatal("setup Initialize failed")
	}

	w := f.do(t, http.MethodPost, "/api/v1/snapshots/42/fetch", `{"app_id":"a","date":"2026-08-31"}`, "token")
	if w.Code != http.StatusConflict {
		t.Errorf("status %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestGetSnapshot(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/snapshots/42", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("empty district: status %d, want 404", w.Code)
	}

	f.seedComplete(t, "2026-08-30")
	f.seedComplete(t, "2026-08-31")

	// Latest without a date query
	w = f.do(t, http.MethodGet, "/api/v1/snapshots/42", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.SnapshotDate != "2026-08-31" {
		t.Errorf("expected latest 2026-08-31, got %s", snap.SnapshotDate)
	}

	// Pinned date
	w = f.do(t, http.MethodGet, "/api/v1/snapshots/42?date=2026-08-30", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	// Unknown date
	w = f.do(t, http.MethodGet, "/api/v1/snapshots/42?date=1999-01-01", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown date: status %d, want 404", w.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedComplete(t, "2026-08-31")

	w := f.do(t, http.MethodGet, "/api/v1/snapshots/42/search", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing q: status %d, want 400", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/snapshots/42/search?q=lovelace", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Total   int                 `json:"total"`
		Results []map[string]string `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 {
		t.Errorf("expected 1 student result, got %d", body.Total)
	}

	w = f.do(t, http.MethodGet, "/api/v1/snapshots/42/search?q=lovelace&entity=parents", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 {
		t.Errorf("expected 1 parent result, got %d", body.Total)
	}
}

func TestParentChildrenEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedComplete(t, "2026-08-31")

	w := f.do(t, http.MethodGet, "/api/v1/snapshots/42/parents/p1/children", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Total    int                      `json:"total"`
		Children []map[string]interface{} `json:"children"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 {
		t.Fatalf("expected 1 child, got %d", body.Total)
	}
	if body.Children[0]["sourcedId"] != "s1" {
		t.Errorf("unexpected child: %v", body.Children[0])
	}
}

func TestDeleteOld(t *testing.T) {
	f := newFixture(t)
	f.seedComplete(t, "2026-08-31")

	w := f.do(t, http.MethodDelete, "/api/v1/snapshots/42?retention_days=0", "", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero retention: status %d, want 400", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/snapshots/42?retention_days=30", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Removed != 0 {
		t.Errorf("fresh snapshot must not be removed, got %d", body.Removed)
	}
}

func TestListSessions_Disabled(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/snapshots/42/sessions", "", "")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status %d, want 501", w.Code)
	}
}
