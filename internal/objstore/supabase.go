package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Compile-time interface assertion.
var _ Store = (*SupabaseStore)(nil)

const (
	defaultTimeout = 60 * time.Second

	// maxDownloadBytes caps object reads. Mastered hour-long audio at
	// 48 kHz mono 16-bit is under 350 MB; nothing legitimate is larger.
	maxDownloadBytes = 512 << 20
)

// SupabaseOption is a functional option for configuring a SupabaseStore.
type SupabaseOption func(*SupabaseStore)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) SupabaseOption {
	return func(s *SupabaseStore) { s.httpClient = c }
}

// SupabaseStore implements [Store] against the Supabase Storage REST API
// using a service-role key. Safe for concurrent use.
type SupabaseStore struct {
	baseURL    string // e.g. "https://proj.supabase.co/storage/v1"
	bucket     string
	serviceKey string
	httpClient *http.Client
}

// NewSupabase creates a SupabaseStore for the given storage endpoint and
// bucket.
func NewSupabase(baseURL, bucket, serviceKey string, opts ...SupabaseOption) (*SupabaseStore, error) {
	if baseURL == "" {
		return nil, errors.New("objstore: baseURL must not be empty")
	}
	if bucket == "" {
		return nil, errors.New("objstore: bucket must not be empty")
	}
	if serviceKey == "" {
		return nil, errors.New("objstore: serviceKey must not be empty")
	}
	s := &SupabaseStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bucket:     bucket,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Upload implements Store via POST /object/<bucket>/<path> with upsert.
func (s *SupabaseStore) Upload(ctx context.Context, path, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/object/"+s.bucket+"/"+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("objstore: create upload request: %w", err)
	}
	s.auth(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("objstore: upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("objstore: upload %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

// Download implements Store via GET /object/<bucket>/<path>.
func (s *SupabaseStore) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/object/"+s.bucket+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("objstore: create download request: %w", err)
	}
	s.auth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("objstore: download %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("objstore: download %s returned status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s: %w", path, err)
	}
	return data, nil
}

// Delete implements Store via DELETE /object/<bucket>/<path>. A 404 is
// treated as success.
func (s *SupabaseStore) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/object/"+s.bucket+"/"+path, nil)
	if err != nil {
		return fmt.Errorf("objstore: create delete request: %w", err)
	}
	s.auth(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("objstore: delete %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("objstore: delete %s returned status %d", path, resp.StatusCode)
	}
	return nil
}

// signRequest is the JSON body sent to POST /object/sign.
type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

// signResponse is the JSON body returned by POST /object/sign.
type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// SignURL implements Store via POST /object/sign/<bucket>/<path>.
func (s *SupabaseStore) SignURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	body, err := json.Marshal(signRequest{ExpiresIn: int(ttl.Seconds())})
	if err != nil {
		return "", fmt.Errorf("objstore: marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/object/sign/"+s.bucket+"/"+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("objstore: create sign request: %w", err)
	}
	s.auth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("objstore: sign %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("objstore: sign %s returned status %d", path, resp.StatusCode)
	}

	var sr signResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("objstore: decode sign response: %w", err)
	}
	if sr.SignedURL == "" {
		return "", fmt.Errorf("objstore: sign %s returned an empty URL", path)
	}
	// The API returns a path relative to the storage root.
	return s.baseURL + sr.SignedURL, nil
}

func (s *SupabaseStore) auth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
}
