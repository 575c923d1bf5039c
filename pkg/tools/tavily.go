package tools

import (
	"context"
	"fmt"
	"net/http"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"
)

const (
	TavilyName = "tavily"

	DefaultTavilyAPIURL = "https://api.tavily.com/search"
)

type TavilyArgs struct {
	Query             string   `json:"query" jsonschema:"description=Search query"`
	SearchDepth       string   `json:"search_depth,omitempty" jsonschema:"enum=basic,enum=advanced"`
	ChunksPerSource   int      `json:"chunks_per_source,omitempty"`
	Topic             string   `json:"topic,omitempty" jsonschema:"enum=general,enum=news"`
	Days              int      `json:"days,omitempty"`
	MaxResults        int      `json:"max_results,omitempty"`
	IncludeAnswer     *bool    `json:"include_answer,omitempty"`
	TimeRange         string   `json:"time_range,omitempty"`
	IncludeImages     *bool    `json:"include_images,omitempty"`
	IncludeDomains    []string `json:"include_domains,omitempty"`
	ExcludeDomains    []string `json:"exclude_domains,omitempty"`
	IncludeRawContent bool     `json:"include_raw_content,omitempty"`
}

func (a *TavilyArgs) defaults() {
	if a.SearchDepth == "" {
		a.SearchDepth = "advanced"
	}
	if a.ChunksPerSource == 0 {
		a.ChunksPerSource = 3
	}
	if a.Topic == "" {
		a.Topic = "general"
	}
	if a.Days == 0 {
		a.Days = 7
	}
	if a.MaxResults == 0 {
		a.MaxResults = 5
	}
	yes := true
	if a.IncludeAnswer == nil {
		a.IncludeAnswer = &yes
	}
	if a.IncludeImages == nil {
		a.IncludeImages = &yes
	}
}

// payload mirrors the request the library component sends.
func (a TavilyArgs) payload(apiKey string) map[string]any {
	p := map[string]any{
		"api_key":             apiKey,
		"query":               a.Query,
		"search_depth":        a.SearchDepth,
		"topic":               a.Topic,
		"max_results":         a.MaxResults,
		"include_images":      *a.IncludeImages,
		"include_answer":      *a.IncludeAnswer,
		"include_raw_content": a.IncludeRawContent,
	}
	if len(a.IncludeDomains) > 0 {
		p["include_domains"] = a.IncludeDomains
	}
	if len(a.ExcludeDomains) > 0 {
		p["exclude_domains"] = a.ExcludeDomains
	}
	if a.SearchDepth == "advanced" && a.ChunksPerSource > 0 {
		p["chunks_per_source"] = a.ChunksPerSource
	}
	if a.Topic == "news" && a.Days > 0 {
		p["days"] = a.Days
	}
	if a.TimeRange != "" {
		p["time_range"] = a.TimeRange
	}
	return p
}

// Tavily searches the web. The key is TAVILY_API_KEY from the workflow env;
// TAVILY_API_URL replaces the endpoint.
func Tavily(env Env, client *http.Client) ai.Tool {
	params, _ := ai.ToolParameters(&TavilyArgs{})
	endpoint := env.Get("TAVILY_API_URL")
	if endpoint == "" {
		endpoint = DefaultTavilyAPIURL
	}
	apiKey := env.Get("TAVILY_API_KEY")

	return ai.Tool{
		Name:        TavilyName,
		Description: "Search the web with Tavily and return ranked results with an answer.",
		Parameters:  params,
		Handler: func(ctx context.Context, arguments string) (string, error) {
			var args TavilyArgs
			if err := ai.UnmarshalFlexible(arguments, &args); err != nil {
				return "", fmt.Errorf("failed to parse arguments: %w", err)
			}
			if apiKey == "" {
				return errorResult("TAVILY_API_KEY is not set"), nil
			}
			if args.Query == "" {
				return errorResult("query is required"), nil
			}
			args.defaults()
			logger.Debug("[Tool] tavily", "query", args.Query, "depth", args.SearchDepth)

			out, err := do(ctx, client, request{method: http.MethodPost, url: endpoint, body: args.payload(apiKey)})
			if err != nil {
				return errorResult("search failed: %v", err), nil
			}
			return result(out), nil
		},
	}
}
