package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearch_DecodesResults(t *testing.T) {
	var gotReq searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path=%q, want /search", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"results":[
			{"title":"Go docs","url":"https://go.dev/doc","content":"The Go programming language","score":0.91},
			{"title":"no url","url":"","content":"dropped","score":0.5},
			{"title":"Effective Go","url":"https://go.dev/doc/effective_go","content":"Tips","score":0.74}
		]}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(Config{BaseURL: srv.URL, APIKey: "key-1"})
	if err != nil {
		t.Fatalf("NewHTTPProvider() err=%v", err)
	}
	results, err := p.Search(context.Background(), "  golang docs ", 5)
	if err != nil {
		t.Fatalf("Search() err=%v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results)=%d, want 2 (empty url dropped)", len(results))
	}
	if results[0].URL != "https://go.dev/doc" || results[0].Score != 0.91 {
		t.Fatalf("results[0]=%+v", results[0])
	}
	if gotReq.Query != "golang docs" {
		t.Fatalf("request query=%q, want trimmed", gotReq.Query)
	}
	if gotReq.MaxResults != 5 {
		t.Fatalf("max_results=%d, want 5", gotReq.MaxResults)
	}
	if gotReq.APIKey != "key-1" {
		t.Fatalf("api_key=%q, want key-1", gotReq.APIKey)
	}
}

func TestSearch_RejectsEmptyQuery(t *testing.T) {
	p, err := NewHTTPProvider(Config{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("NewHTTPProvider() err=%v", err)
	}
	if _, err := p.Search(context.Background(), "   ", 5); err == nil {
		t.Fatalf("Search() expected error for empty query")
	}
}

func TestSearch_ErrorsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPProvider() err=%v", err)
	}
	if _, err := p.Search(context.Background(), "query", 3); err == nil {
		t.Fatalf("Search() expected error for 429 status")
	}
}

func TestNewHTTPProvider_RequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPProvider(Config{}); err == nil {
		t.Fatalf("NewHTTPProvider() expected error for missing base url")
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Fatalf("Enabled()=true for empty config")
	}
	if !(Config{BaseURL: "http://localhost:8080"}).Enabled() {
		t.Fatalf("Enabled()=false for configured base url")
	}
}
