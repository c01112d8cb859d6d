package embed_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshelf/internal/embed"
)

func TestMock(t *testing.T) {
	got, err := embed.Mock{}.Embed(context.Background(), "Dune")
	require.NoError(t, err)
	assert.Equal(t, "mock_embedding_for_Dune", got)
}

func TestNewPicksImplementation(t *testing.T) {
	e, err := embed.New("", "")
	require.NoError(t, err)
	assert.IsType(t, embed.Mock{}, e)

	e, err = embed.New("sk-test", "")
	require.NoError(t, err)
	assert.IsType(t, &embed.OpenAI{}, e)
}

func TestOpenAIEmbed(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
  "object": "list",
  "data": [{"object": "embedding", "index": 0, "embedding": [0.5, -0.25]}],
  "model": "text-embedding-3-small",
  "usage": {"prompt_tokens": 1, "total_tokens": 1}
}`)
	}))
	defer srv.Close()

	e, err := embed.NewOpenAI("sk-test", "", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	got, err := e.Embed(context.Background(), "Dune")
	require.NoError(t, err)
	assert.Equal(t, "[0.5,-0.25]", got)
	assert.Equal(t, "Dune", body["input"])
	assert.Equal(t, embed.DefaultModel, body["model"])
}

func TestOpenAIEmbedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error": {"message": "bad key", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	e, err := embed.NewOpenAI("sk-bad", "", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "Dune")
	require.Error(t, err)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	_, err := embed.NewOpenAI("", "")
	require.Error(t, err)
}
