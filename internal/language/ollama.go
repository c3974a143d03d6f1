package language

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

const defaultOllamaModel = "nomic-embed-text"

// OllamaSource tokenizes locally and embeds tokens with an Ollama
// embedding model. The dimension is probed on the first Info call.
type OllamaSource struct {
	client    *api.Client
	host      string
	model     string
	languages []string
	dims      int
}

func NewOllamaSource(host, model string, languages []string) (*OllamaSource, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	if model == "" {
		model = defaultOllamaModel
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ollama host: %w", err)
	}
	return &OllamaSource{
		client:    api.NewClient(base, &http.Client{Timeout: 60 * time.Second}),
		host:      host,
		model:     model,
		languages: languages,
	}, nil
}

func (s *OllamaSource) Name() string {
	return "ollama:" + s.model
}

func (s *OllamaSource) Info(ctx context.Context) (Info, error) {
	if err := s.client.Heartbeat(ctx); err != nil {
		return Info{}, fmt.Errorf("ollama is not reachable at %s: %w", s.host, err)
	}
	if s.dims == 0 {
		vecs, err := s.embed(ctx, []string{"hello"})
		if err != nil {
			return Info{}, err
		}
		s.dims = len(vecs[0])
	}
	return Info{Ready: true, Dimensions: s.dims, Languages: s.languages}, nil
}

func (s *OllamaSource) Tokenize(_ context.Context, utterances []string, _ string) ([][]string, error) {
	out := make([][]string, len(utterances))
	for i, u := range utterances {
		out[i] = SplitText(u)
	}
	return out, nil
}

func (s *OllamaSource) Vectorize(ctx context.Context, tokens []string, _ string) ([][]float64, error) {
	return s.embed(ctx, tokens)
}

func (s *OllamaSource) embed(ctx context.Context, inputs []string) ([][]float64, error) {
	resp, err := s.client.Embed(ctx, &api.EmbedRequest{Model: s.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("failed to embed with ollama: %w", err)
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(inputs))
	}

	out := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vec := make([]float64, len(emb))
		for j, v := range emb {
			vec[j] = float64(v)
		}
		out[i] = vec
	}
	return out, nil
}
