package tools

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"
)

const APIRequestName = "api_request"

const apiRequestTimeout = 30 * time.Second

type APIRequestArgs struct {
	Method  string            `json:"method" jsonschema:"description=HTTP method such as GET or POST"`
	URL     string            `json:"url" jsonschema:"description=Absolute URL to call"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=Extra request headers"`
	Params  map[string]any    `json:"params,omitempty" jsonschema:"description=Query string parameters"`
	Data    map[string]any    `json:"data,omitempty" jsonschema:"description=JSON request body"`
}

// APIRequest sends one HTTP request. Failures are reported to the model as
// {"error": ...} rather than as tool errors.
func APIRequest(_ Env, client *http.Client) ai.Tool {
	params, _ := ai.ToolParameters(&APIRequestArgs{})
	return ai.Tool{
		Name:        APIRequestName,
		Description: "Send an HTTP request and return the decoded JSON body.",
		Parameters:  params,
		Handler: func(ctx context.Context, arguments string) (string, error) {
			var args APIRequestArgs
			if err := ai.UnmarshalFlexible(arguments, &args); err != nil {
				return "", fmt.Errorf("failed to parse arguments: %w", err)
			}
			return apiRequest(ctx, client, args), nil
		},
	}
}

func apiRequest(ctx context.Context, client *http.Client, args APIRequestArgs) string {
	if args.URL == "" {
		return errorResult("url is required")
	}
	logger.Debug("[Tool] api_request", "method", args.Method, "url", args.URL)

	ctx, cancel := context.WithTimeout(ctx, apiRequestTimeout)
	defer cancel()

	req := request{method: args.Method, url: args.URL, headers: args.Headers, params: args.Params}
	if args.Data != nil {
		req.body = args.Data
	}
	out, err := do(ctx, client, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errorResult("request timed out after %s", apiRequestTimeout)
		}
		return errorResult("%v", err)
	}
	return result(out)
}
