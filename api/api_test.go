package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServeHTTP(t *testing.T) {
	handler := NewHandler(context.Background())

	request := func(method, url, host string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, url, nil)
		if host != "" {
			req.Host = host
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := request("GET", "http://localhost:8088/status", "")
	if w.Code != http.StatusOK {
		t.Errorf("status: got %v", w.Code)
	}
	if ct := w.Header().Get("content-type"); ct != "application/json" {
		t.Errorf("got content-type %v", ct)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("got body %v", w.Body.String())
	}

	w = request("GET", "http://localhost:8088/status",
		"evil.example.com:80")
	if w.Code != http.StatusForbidden {
		t.Errorf("rebound host: got %v", w.Code)
	}

	w = request("GET", "http://localhost:8088/add", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /add: got %v", w.Code)
	}

	w = request("POST", "http://localhost:8088/add", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty add: got %v", w.Code)
	}

	w = request("GET", "http://localhost:8088/status?hash=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus hash: got %v", w.Code)
	}

	w = request("GET", "http://localhost:8088/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown path: got %v", w.Code)
	}
}
