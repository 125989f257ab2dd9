package oneroster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/bookmarked/rostercache/internal/metrics"
)

// ErrCredentialsNotFound is returned when the management API has no OAuth
// server entry for the requested application id.
var ErrCredentialsNotFound = errors.New("oneroster: district credentials not found")

// APIEntity is one of the signed OneRoster collection endpoints.
type APIEntity string

const (
	APIUsers   APIEntity = "users"
	APIOrgs    APIEntity = "orgs"
	APIClasses APIEntity = "classes"
)

// responseKey returns the JSON key the collection is nested under.
func (e APIEntity) responseKey() string {
	return string(e)
}

// ClientConfig holds configuration for the roster client.
type ClientConfig struct {
	ManagementURL string
	MgmtTimeout   time.Duration
	RosterTimeout time.Duration
}

// Client resolves per-district OAuth credentials from the ClassLink
// management API and issues signed, paginated OneRoster GET requests.
// The credential cache is owned by the client instance; sharing a client
// across goroutines is safe.
type Client struct {
	mgmtURL       string
	mgmtTimeout   time.Duration
	rosterTimeout time.Duration
	http          *resty.Client
	log           *logger.Logger

	mu    sync.Mutex
	creds map[string]*domain.Credentials
}

// NewClient creates a roster client.
func NewClient(cfg *ClientConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.GetDefault()
	}
	mgmtTimeout := cfg.MgmtTimeout
	if mgmtTimeout <= 0 {
		mgmtTimeout = 10 * time.Second
	}
	rosterTimeout := cfg.RosterTimeout
	if rosterTimeout <= 0 {
		rosterTimeout = 30 * time.Second
	}

	client := resty.New()
	client.SetHeader("Content-Type", "application/json")

	return &Client{
		mgmtURL:       cfg.ManagementURL,
		mgmtTimeout:   mgmtTimeout,
		rosterTimeout: rosterTimeout,
		http:          client,
		log:           log,
		creds:         make(map[string]*domain.Credentials),
	}
}

// serverResponse is the management API payload for one application.
type serverResponse struct {
	Server *domain.Credentials `json:"server"`
}

// ResolveCredentials fetches the OAuth pair for a district application,
// caching the result for the life of the client. The bearer token is the
// coarser-grained management credential, distinct from the OAuth pair.
func (c *Client) ResolveCredentials(ctx context.Context, bearerToken, appID string) (*domain.Credentials, error) {
	c.mu.Lock()
	if creds, ok := c.creds[appID]; ok {
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	reqURL := fmt.Sprintf("%s/applications/%s/server", c.mgmtURL, appID)

	ctx, cancel := context.WithTimeout(ctx, c.mgmtTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+bearerToken).
		SetHeader("Content-Type", "application/json").
		Get(reqURL)
	if err != nil {
		return nil, fmt.Errorf("management API request failed: %w", err)
	}

	if resp.StatusCode() != 200 {
		c.log.WithFields(logger.Fields{
			"app_id":      appID,
			"status_code": resp.StatusCode(),
		}).Warn("Management API returned non-200 for server credentials")
		return nil, ErrCredentialsNotFound
	}

	var body serverResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.Server == nil || body.Server.EndpointURL == "" {
		return nil, ErrCredentialsNotFound
	}

	c.mu.Lock()
	c.creds[appID] = body.Server
	c.mu.Unlock()

	c.log.WithField("app_id", appID).Info("District credentials resolved")
	return body.Server, nil
}

// FetchPage fetches one page of one entity type using a signed request.
// A non-200 response or malformed body yields an empty slice rather than
// an error; callers must treat an empty page as ambiguous between
// end-of-data and a transient upstream problem. Transport-level failures
// are returned as errors.
func (c *Client) FetchPage(ctx context.Context, creds *domain.Credentials, entity APIEntity, limit, offset int) ([]domain.Record, error) {
	reqURL := fmt.Sprintf("%s/ims/oneroster/v1p1/%s", creds.EndpointURL, entity)

	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("orderBy", "asc")

	signer := NewSigner(creds.ClientID, creds.ClientSecret)
	authHeader, err := signer.AuthorizationHeader("GET", reqURL, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.rosterTimeout)
	defer cancel()

	metrics.UpstreamCalls.WithLabelValues(string(entity)).Inc()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", authHeader).
		SetQueryParamsFromValues(params).
		Get(reqURL)
	if err != nil {
		metrics.UpstreamErrors.Inc()
		return nil, fmt.Errorf("oneroster %s request failed: %w", entity, err)
	}

	if resp.StatusCode() != 200 {
		metrics.UpstreamErrors.Inc()
		c.log.WithFields(logger.Fields{
			logger.FieldEntityType: string(entity),
			"status_code":          resp.StatusCode(),
			"offset":               offset,
		}).Warn("OneRoster API returned non-200")
		return []domain.Record{}, nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		c.log.WithError(err).WithField(logger.FieldEntityType, string(entity)).Warn("Malformed OneRoster response body")
		return []domain.Record{}, nil
	}

	var records []domain.Record
	if raw, ok := body[entity.responseKey()]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			c.log.WithError(err).WithField(logger.FieldEntityType, string(entity)).Warn("Malformed OneRoster collection payload")
			return []domain.Record{}, nil
		}
	}
	if records == nil {
		records = []domain.Record{}
	}
	return records, nil
}

// TestConnection verifies the bearer token against the management API by
// listing accessible applications.
func (c *Client) TestConnection(ctx context.Context, bearerToken string) (bool, string, int) {
	ctx, cancel := context.WithTimeout(ctx, c.mgmtTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+bearerToken).
		Get(c.mgmtURL + "/applications")
	if err != nil {
		return false, fmt.Sprintf("connection failed: %v", err), 0
	}
	if resp.StatusCode() != 200 {
		return false, fmt.Sprintf("connection failed: status %d", resp.StatusCode()), 0
	}

	var body struct {
		Applications []map[string]interface{} `json:"applications"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return false, "connection succeeded but response was malformed", 0
	}
	return true, "connected to ClassLink management API", len(body.Applications)
}
