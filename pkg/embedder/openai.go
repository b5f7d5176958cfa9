package embedder

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/lorekeep/lorekeep/pkg/domain"
)

// knownDimensions avoids a probe call for the usual hosted models.
var knownDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

type openaiBackend struct {
	client    openai.Client
	modelName string
	dim       int
}

// NewOpenAI builds the hosted embedding client. baseURL is optional and
// supports OpenAI-compatible gateways.
func NewOpenAI(apiKey, baseURL, model string, batchSize int) (*Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OpenAi.ApiKey", domain.ErrConfigMissing)
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	b := &openaiBackend{
		client:    openai.NewClient(opts...),
		modelName: model,
		dim:       knownDimensions[model],
	}
	return newService(b, batchSize), nil
}

func (b *openaiBackend) model() string { return b.modelName }

func (b *openaiBackend) dimension(ctx context.Context) (int, error) {
	if b.dim > 0 {
		return b.dim, nil
	}
	vectors, err := b.embedBatch(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, err
	}
	b.dim = len(vectors[0])
	return b.dim, nil
}

func (b *openaiBackend) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := b.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(b.modelName),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d",
			domain.ErrProviderFailed, len(texts), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		out[item.Index] = vec
	}
	if b.dim == 0 && len(out) > 0 {
		b.dim = len(out[0])
	}
	return out, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return markTransient(fmt.Errorf("embedding request: %w", err))
		}
		return fmt.Errorf("%w: %v", domain.ErrProviderFailed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return markTransient(fmt.Errorf("embedding request: %w", err))
	}
	// Connection-level failures come through as plain url errors.
	return markTransient(fmt.Errorf("embedding request: %w", err))
}
