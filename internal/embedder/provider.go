package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	chromem "github.com/philippgille/chromem-go"
)

// Provider kinds accepted by NewEmbeddingFunc.
const (
	ProviderLocal  = "local"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// ProviderConfig selects and parameterizes the embedding backend.
type ProviderConfig struct {
	Kind      string // "local", "ollama" or "openai"
	Model     string // backend model name; ignored by "local"
	BaseURL   string // ollama only; empty means the client default
	APIKey    string // openai only
	Dimension int    // local only; fixed output dimensionality
}

// NewEmbeddingFunc builds the embedding function for the configured backend.
// The remote backends reuse chromem's own client functions; "local" produces
// deterministic hash-derived vectors and needs no network, which keeps the
// broker runnable with zero external services.
func NewEmbeddingFunc(cfg ProviderConfig) (chromem.EmbeddingFunc, error) {
	switch cfg.Kind {
	case ProviderLocal, "":
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 256
		}
		return localEmbedding(dim), nil
	case ProviderOllama:
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return chromem.NewEmbeddingFuncOllama(model, cfg.BaseURL), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("embedder: openai provider requires an api key")
		}
		model := chromem.EmbeddingModelOpenAI(cfg.Model)
		if cfg.Model == "" {
			model = chromem.EmbeddingModelOpenAI3Small
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, model), nil
	default:
		return nil, fmt.Errorf("embedder: unknown provider %q", cfg.Kind)
	}
}

// localEmbedding derives a unit vector from a hash of the text. Equal text
// always yields an equal vector, so re-embedding after a restart or a
// backfill pass is idempotent. The vectors carry no semantic signal; this
// backend exists for development and for deployments that only need the
// relational read path.
func localEmbedding(dim int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		seed := h.Sum64()

		vec := make([]float32, dim)
		var norm float64
		for i := range vec {
			x := splitmix64(seed + uint64(i))
			v := float64(int64(x)) / float64(math.MaxInt64)
			vec[i] = float32(v)
			norm += v * v
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
		return vec, nil
	}
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
