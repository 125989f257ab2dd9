package domain

// Credentials holds the per-district OAuth 1.0a pair and endpoint resolved
// from the upstream management API. Kept in memory only; re-fetched on
// process restart.
type Credentials struct {
	EndpointURL  string `json:"endpoint_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}
