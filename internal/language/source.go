// Package language provides tokenization, word vectors, part-of-speech
// tagging, stop words and language identification to the pipelines.
package language

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Info describes what a source serves.
type Info struct {
	Ready      bool
	Dimensions int
	Languages  []string
}

// Source is one backend able to tokenize and vectorize text.
type Source interface {
	Name() string
	Info(ctx context.Context) (Info, error)
	Tokenize(ctx context.Context, utterances []string, lang string) ([][]string, error)
	Vectorize(ctx context.Context, tokens []string, lang string) ([][]float64, error)
}

// HTTPSource talks to a language server.
type HTTPSource struct {
	endpoint  string
	authToken string
	client    *http.Client
}

func NewHTTPSource(endpoint, authToken string) *HTTPSource {
	return &HTTPSource{
		endpoint:  strings.TrimSuffix(endpoint, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSource) Name() string {
	return s.endpoint
}

type infoResponse struct {
	Ready bool `json:"ready"`
	// the server spells it this way
	Dimensions int `json:"dimentions"`
	Languages  []struct {
		Lang string `json:"lang"`
	} `json:"languages"`
}

func (s *HTTPSource) Info(ctx context.Context) (Info, error) {
	var res infoResponse
	if err := s.do(ctx, http.MethodGet, "/info", nil, &res); err != nil {
		return Info{}, err
	}
	info := Info{Ready: res.Ready, Dimensions: res.Dimensions}
	for _, l := range res.Languages {
		info.Languages = append(info.Languages, l.Lang)
	}
	return info, nil
}

type tokenizeRequest struct {
	Utterances []string `json:"utterances"`
	Lang       string   `json:"lang"`
}

type tokenizeResponse struct {
	Tokens [][]string `json:"tokens"`
}

func (s *HTTPSource) Tokenize(ctx context.Context, utterances []string, lang string) ([][]string, error) {
	var res tokenizeResponse
	if err := s.do(ctx, http.MethodPost, "/tokenize", tokenizeRequest{Utterances: utterances, Lang: lang}, &res); err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

type vectorizeRequest struct {
	Tokens []string `json:"tokens"`
	Lang   string   `json:"lang"`
}

type vectorizeResponse struct {
	Vectors [][]float64 `json:"vectors"`
}

func (s *HTTPSource) Vectorize(ctx context.Context, tokens []string, lang string) ([][]float64, error) {
	var res vectorizeResponse
	if err := s.do(ctx, http.MethodPost, "/vectorize", vectorizeRequest{Tokens: tokens, Lang: lang}, &res); err != nil {
		return nil, err
	}
	return res.Vectors, nil
}

func (s *HTTPSource) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.authToken != "" {
		req.Header.Set("Authorization", "bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("language server request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("language server returned status %d: %s", resp.StatusCode, string(data))
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
