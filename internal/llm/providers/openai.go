package providers

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go/v2"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/common"
)

// OpenAIEmbedder calls the embeddings endpoint of OpenAI or Azure OpenAI.
// Retries are handled by the client (see llm.NewEmbedder).
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	name   string
}

func NewOpenAIEmbedder(client openai.Client, model, name string) *OpenAIEmbedder {
	if name == "" {
		name = "openai"
	}
	return &OpenAIEmbedder{client: client, model: model, name: name}
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if o.model == "" {
		return nil, errors.New("embedding model not configured")
	}
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		common.Logger().Error("llm: embedding request failed", "provider", o.name, "model", o.model, "error", err)
		return nil, err
	}
	vectors := make([][]float64, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || int(item.Index) >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range for %d inputs", item.Index, len(texts))
		}
		vectors[item.Index] = item.Embedding
	}
	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return vectors, nil
}

func (o *OpenAIEmbedder) Name() string {
	return o.name
}
