// Package embed turns book text into the stored embedding value.
package embed

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Embedder produces the embedding stored for a piece of text. The value is
// opaque to the rest of the system.
type Embedder interface {
	Embed(ctx context.Context, text string) (string, error)
}

// Mock is the default embedder. It derives a placeholder from the text.
type Mock struct{}

func (Mock) Embed(_ context.Context, text string) (string, error) {
	return "mock_embedding_for_" + text, nil
}

const DefaultModel = "text-embedding-3-small"

// OpenAI calls the embeddings endpoint and stores the vector as a JSON array.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, model string, opts ...option.RequestOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is not set")
	}
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{client: openai.NewClient(opts...), model: model}, nil
}

func (e *OpenAI) Embed(ctx context.Context, text string) (string, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return "", errors.Wrap(err, "create embedding")
	}
	if len(resp.Data) == 0 {
		return "", errors.New("no embeddings generated")
	}
	out, err := json.Marshal(resp.Data[0].Embedding)
	if err != nil {
		return "", errors.Wrap(err, "encode embedding")
	}
	return string(out), nil
}

// New picks the OpenAI embedder when apiKey is set and Mock otherwise.
func New(apiKey, model string) (Embedder, error) {
	if apiKey == "" {
		return Mock{}, nil
	}
	return NewOpenAI(apiKey, model)
}
