package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		raw     string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{"http://localhost:6333", "localhost", 6334, false, false},
		{"https://xyz.cloud.qdrant.io:6333", "xyz.cloud.qdrant.io", 6334, true, false},
		{"http://qdrant:7000", "qdrant", 7000, false, false},
		{"https://qdrant", "qdrant", 6334, true, false},
		{"not a url", "", 0, false, true},
		{"http://host:abc", "", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, useTLS)
		})
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "close the quarter", req.Input)
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "nomic-embed-text", 3)
	vec, err := p.Embed(context.Background(), "close the quarter")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 3, p.Dimensions())
}

func TestOllamaEmbed_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer srv.Close()
		_, err := NewOllama(srv.URL, "m", 3).Embed(context.Background(), "x")
		assert.ErrorContains(t, err, "status 404")
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1, 2}}})
		}))
		defer srv.Close()
		_, err := NewOllama(srv.URL, "m", 3).Embed(context.Background(), "x")
		assert.ErrorContains(t, err, "expected 3 dimensions")
	})

	t.Run("empty", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"embeddings":[]}`))
		}))
		defer srv.Close()
		_, err := NewOllama(srv.URL, "m", 0).Embed(context.Background(), "x")
		assert.ErrorContains(t, err, "empty embedding")
	})
}

func TestStaticAndNoop(t *testing.T) {
	docs := Static{{ID: "a", Content: "x"}, {ID: "b", Content: "y"}}
	got, err := docs.Search(context.Background(), "q", "p", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = docs.Search(context.Background(), "q", "p", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = Noop{}.Search(context.Background(), "q", "p", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}
