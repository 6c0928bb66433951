package client

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/torn-tools/tornpipe/internal/testutil"
	"github.com/torn-tools/tornpipe/pkg/record"
)

// testConfig returns a config suitable for fast tests: a near-unbounded rate
// limit and millisecond retry delays.
func testConfig(baseURL string) Config {
	return Config{
		APIKey:     "test-key",
		BaseURL:    baseURL,
		RateLimit:  60000,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	c, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if c.cfg.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", c.cfg.BaseURL, DefaultBaseURL)
	}
	if c.cfg.RateLimit != 60 {
		t.Errorf("RateLimit = %d, want 60", c.cfg.RateLimit)
	}
	if c.cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.cfg.Timeout)
	}
}

func TestFetchPage_InjectsKeyAndOffset(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/v2/faction/crimes", testutil.MockAPIResponse{
		Body: `{"crimes": []}`,
	})

	c, err := New(testConfig(mock.URL()))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.FetchPage(t.Context(), "/v2/faction/crimes", 100, nil); err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}

	if got := mock.LastQuery["key"]; len(got) != 1 || got[0] != "test-key" {
		t.Errorf("key param = %v, want [test-key]", got)
	}
	if got := mock.LastQuery["offset"]; len(got) != 1 || got[0] != "100" {
		t.Errorf("offset param = %v, want [100]", got)
	}
}

func TestFetchPage_ZeroOffsetOmitted(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/v2/faction/crimes", testutil.MockAPIResponse{
		Body: `{"crimes": []}`,
	})

	c, err := New(testConfig(mock.URL()))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.FetchPage(t.Context(), "/v2/faction/crimes", 0, nil); err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}

	if _, ok := mock.LastQuery["offset"]; ok {
		t.Error("offset param present for offset 0")
	}
}

func TestFetchPage_AuthError(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/v2/user", testutil.MockAPIResponse{
		StatusCode: http.StatusForbidden,
	})

	c, err := New(testConfig(mock.URL()))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.FetchPage(t.Context(), "/v2/user", 0, nil)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("requests = %d, want 1 (auth errors are not retried)", mock.GetRequestCount())
	}
}

func TestFetchPage_ServerErrorRetried(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetPages("/v2/user",
		testutil.MockAPIResponse{StatusCode: http.StatusServiceUnavailable},
		testutil.MockAPIResponse{Body: `{"data": [{"id": 1}]}`},
	)

	c, err := New(testConfig(mock.URL()))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := c.FetchPage(t.Context(), "/v2/user", 0, nil)
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if resp == nil {
		t.Fatal("nil response after successful retry")
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("requests = %d, want 2", mock.GetRequestCount())
	}
}

func TestFetchPage_APIErrorPayload(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMsg  string
	}{
		{
			name:     "string error with top-level code",
			body:     `{"error": "Incorrect key", "code": 2}`,
			wantCode: 2,
			wantMsg:  "Incorrect key",
		},
		{
			name:     "nested error object",
			body:     `{"error": {"code": 7, "error": "Incorrect ID-entity relation"}}`,
			wantCode: 7,
			wantMsg:  "Incorrect ID-entity relation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetResponse("/v2/user", testutil.MockAPIResponse{Body: tt.body})

			c, err := New(testConfig(mock.URL()))
			if err != nil {
				t.Fatal(err)
			}

			_, err = c.FetchPage(t.Context(), "/v2/user", 0, nil)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want APIError", err)
			}
			if apiErr.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", apiErr.Code, tt.wantCode)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
			if mock.GetRequestCount() != 1 {
				t.Errorf("requests = %d, want 1 (API errors are not retried)", mock.GetRequestCount())
			}
		})
	}
}

func TestExtractAPIError_NoError(t *testing.T) {
	obj, err := record.Decode([]byte(`{"data": [{"id": 1}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if apiErr := extractAPIError(obj); apiErr != nil {
		t.Errorf("extractAPIError() = %v, want nil", apiErr)
	}
}
