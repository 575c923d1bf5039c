package openai

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"
)

// GroqBaseURL is Groq's OpenAI-compatible endpoint.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// ChatModel talks to an OpenAI-compatible chat completions endpoint. It is
// used for OpenAI itself, Groq and Azure OpenAI deployments.
//
// A ChatModel should be created using NewChatModel.
type ChatModel struct {
	model       string
	temperature float64
	official    bool

	ai.MetricsRecorder

	Client *openai.Client
}

// AzureParams selects an Azure OpenAI deployment. The deployment name is the model.
type AzureParams struct {
	Endpoint   string
	APIVersion string
}

// NewChatModelParams configures NewChatModel.
//
// BaseURL is empty for api.openai.com. Azure, when set, takes precedence over BaseURL.
type NewChatModelParams struct {
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	Azure       *AzureParams
	HTTPClient  *http.Client
}

// NewChatModel creates a chat model for one provider account.
//
// Example:
//
//	m, err := openai.NewChatModel(openai.NewChatModelParams{
//		Model:   "llama-3.3-70b-versatile",
//		BaseURL: openai.GroqBaseURL,
//		APIKey:  os.Getenv("GROQ_API_KEY"),
//	})
func NewChatModel(params NewChatModelParams) (*ChatModel, error) {
	if params.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}

	options := []option.RequestOption{}
	if params.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(params.HTTPClient))
	}

	switch {
	case params.Azure != nil:
		if params.Azure.Endpoint == "" || params.Azure.APIVersion == "" {
			return nil, fmt.Errorf("openai: azure requires endpoint and api version")
		}
		// the deployment path is derived from the model in the request body
		options = append(options,
			azure.WithEndpoint(strings.TrimRight(params.Azure.Endpoint, "/"), params.Azure.APIVersion),
			azure.WithAPIKey(params.APIKey),
			option.WithHeaderDel("authorization"),
		)
	default:
		if params.APIKey == "" {
			return nil, fmt.Errorf("openai: api key is required")
		}
		options = append(options, option.WithAPIKey(params.APIKey))
		if params.BaseURL != "" {
			options = append(options, option.WithBaseURL(params.BaseURL))
		}
	}

	client := openai.NewClient(options...)

	return &ChatModel{
		model:       params.Model,
		temperature: params.Temperature,
		official:    params.Azure == nil && params.BaseURL == "",
		Client:      &client,
	}, nil
}
