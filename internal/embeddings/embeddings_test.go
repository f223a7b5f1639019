package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/synapsehq/synapse/pkg/synerr"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", "hello world"},
		{"  hello   world  ", "hello world"},
		{"hello\t\nworld", "hello world"},
		{"", ""},
		{"   ", ""},
		// Decomposed e + combining acute composes to é.
		{"café", "café"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEmbedPreservesOrder(t *testing.T) {
	var gotInput []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotInput = req.Input
		resp := embedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			resp.Embeddings[i] = []float32{float32(i), 0}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "nomic-embed-text", 2)
	vecs, err := c.Embed(context.Background(), []string{"first  text", "second"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if diff := cmp.Diff([]string{"first text", "second"}, gotInput); diff != "" {
		t.Errorf("server received unnormalized input (-want +got):\n%s", diff)
	}
	want := [][]float32{{0, 0}, {1, 0}}
	if diff := cmp.Diff(want, vecs); diff != "" {
		t.Errorf("Embed() mismatch (-want +got):\n%s", diff)
	}
}

func TestEmbedServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := New(srv.URL, "nomic-embed-text", 2)
	if _, err := c.Embed(context.Background(), []string{"x"}); !synerr.Is(err, synerr.KindEmbeddingUnavailable) {
		t.Errorf("Embed() against closed server error = %v, want embedding-unavailable", err)
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2, 3}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "nomic-embed-text", 2)
	if _, err := c.Embed(context.Background(), []string{"x"}); !synerr.Is(err, synerr.KindEmbeddingUnavailable) {
		t.Errorf("Embed() with wrong dimension error = %v, want embedding-unavailable", err)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 0}}})
	}))
	defer srv.Close()

	c := New(srv.URL, "nomic-embed-text", 2)
	if _, err := c.Embed(context.Background(), []string{"x", "y"}); !synerr.Is(err, synerr.KindEmbeddingUnavailable) {
		t.Errorf("Embed() with short response error = %v, want embedding-unavailable", err)
	}
}

func TestEmbedEmptyBatch(t *testing.T) {
	c := New("http://127.0.0.1:1", "nomic-embed-text", 2)
	vecs, err := c.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("Embed(nil) = %v, %v, want nil, nil", vecs, err)
	}
}
