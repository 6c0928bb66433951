// Package testutil provides testing utilities for the pipeline.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockAPIResponse defines the behavior for a mock API endpoint response.
type MockAPIResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockAPI is a configurable mock Torn API server for testing. Handlers are
// keyed by path; a path can carry a sequence of responses that are served in
// order, with the last one repeating.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	pages    map[string][]MockAPIResponse
	served   map[string]int

	// Tracking
	RequestCount int
	LastQuery    map[string][]string
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		pages:    make(map[string][]MockAPIResponse),
		served:   make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastQuery = r.URL.Query()
		handler, hasHandler := mock.handlers[r.URL.Path]
		var resp MockAPIResponse
		hasPages := false
		if pages, ok := mock.pages[r.URL.Path]; ok && len(pages) > 0 {
			hasPages = true
			i := mock.served[r.URL.Path]
			if i >= len(pages) {
				i = len(pages) - 1
			}
			resp = pages[i]
			mock.served[r.URL.Path]++
		}
		mock.mu.Unlock()

		if hasHandler {
			handler(w, r)
			return
		}
		if hasPages {
			serve(w, resp)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data": []}`))
	}))

	return mock
}

func serve(w http.ResponseWriter, resp MockAPIResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json")
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a specific path.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a single repeating response for a path.
func (m *MockAPI) SetResponse(path string, resp MockAPIResponse) {
	m.SetPages(path, resp)
}

// SetPages configures a sequence of responses for a path, served in order.
// The last response repeats once the sequence is exhausted.
func (m *MockAPI) SetPages(path string, pages ...MockAPIResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[path] = pages
	m.served[path] = 0
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}
