package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Healthz status = %d, want 200", rec.Code)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "database", Check: func(ctx context.Context) error { return nil }},
		Checker{Name: "tts", Check: func(ctx context.Context) error { return nil }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Readyz status = %d, want 200", rec.Code)
	}

	var res struct {
		Status string                       `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Status != "ok" {
		t.Errorf("status = %q, want ok", res.Status)
	}
	if len(res.Checks) != 2 {
		t.Errorf("checks = %d, want 2", len(res.Checks))
	}
}

func TestReadyz_FailurePropagates(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "database", Check: func(ctx context.Context) error { return nil }},
		Checker{Name: "objstore", Check: func(ctx context.Context) error {
			return errors.New("bucket unreachable")
		}},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Readyz status = %d, want 503", rec.Code)
	}

	var res struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Status != "fail" {
		t.Errorf("status = %q, want fail", res.Status)
	}
	if res.Checks["objstore"].Error != "bucket unreachable" {
		t.Errorf("objstore error = %q", res.Checks["objstore"].Error)
	}
	if res.Checks["database"].Status != "ok" {
		t.Errorf("database status = %q, want ok", res.Checks["database"].Status)
	}
}
