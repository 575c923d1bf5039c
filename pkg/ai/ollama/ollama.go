package ollama

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// DefaultBaseURL is where a local Ollama listens.
const DefaultBaseURL = "http://localhost:11434"

// ChatModel implements ai.ChatModel against an Ollama server.
type ChatModel struct {
	model       string
	temperature float64

	reqLock     *semaphore.Weighted
	countTokens TokenCounter

	ai.MetricsRecorder

	Client *api.Client
}

// NewChatModelParams configures NewChatModel. APIKey is sent as a bearer token
// for Ollama instances behind an authenticating proxy.
type NewChatModelParams struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64

	MaxConcurrentRequests int64
	// CountTokens sizes num_ctx. Nil means the o200k_base tiktoken encoding.
	CountTokens TokenCounter
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewChatModel creates an Ollama chat model. An empty BaseURL means DefaultBaseURL.
func NewChatModel(params NewChatModelParams) (*ChatModel, error) {
	if params.Model == "" {
		return nil, fmt.Errorf("ollama: model is required")
	}

	base := params.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid base url: %w", err)
	}

	headers := map[string]string{}
	if params.APIKey != "" {
		headers["Authorization"] = "Bearer " + params.APIKey
	}
	httpClient := &http.Client{
		Transport: &headerTransport{headers: headers, rt: http.DefaultTransport},
	}

	maxConcurrent := params.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	count := params.CountTokens
	if count == nil {
		count = TiktokenCounter("o200k_base")
	}

	return &ChatModel{
		model:       params.Model,
		temperature: params.Temperature,
		reqLock:     semaphore.NewWeighted(maxConcurrent),
		countTokens: count,
		Client:      api.NewClient(u, httpClient),
	}, nil
}
