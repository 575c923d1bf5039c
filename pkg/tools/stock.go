package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"
)

const (
	StockInfoName = "get_stock_info"

	DefaultStockAPIURL = "https://query1.finance.yahoo.com/v8/finance/chart"
)

type StockInfoArgs struct {
	TickerSymbol string `json:"ticker_symbol" jsonschema:"description=Ticker symbol such as AAPL"`
}

var stockFields = []string{
	"symbol", "longName", "currency", "exchangeName", "regularMarketPrice",
	"regularMarketDayHigh", "regularMarketDayLow", "regularMarketVolume",
	"chartPreviousClose", "fiftyTwoWeekHigh", "fiftyTwoWeekLow",
}

// StockInfo looks up a quote on the Yahoo Finance chart endpoint. STOCK_API_URL
// replaces the endpoint.
func StockInfo(env Env, client *http.Client) ai.Tool {
	params, _ := ai.ToolParameters(&StockInfoArgs{})
	endpoint := env.Get("STOCK_API_URL")
	if endpoint == "" {
		endpoint = DefaultStockAPIURL
	}
	return ai.Tool{
		Name:        StockInfoName,
		Description: "Look up the current quote of a ticker symbol on Yahoo Finance.",
		Parameters:  params,
		Handler: func(ctx context.Context, arguments string) (string, error) {
			var args StockInfoArgs
			if err := ai.UnmarshalFlexible(arguments, &args); err != nil {
				return "", fmt.Errorf("failed to parse arguments: %w", err)
			}
			return stockInfo(ctx, client, endpoint, args.TickerSymbol), nil
		},
	}
}

func stockInfo(ctx context.Context, client *http.Client, endpoint, symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return errorResult("ticker_symbol is required")
	}
	logger.Debug("[Tool] get_stock_info", "symbol", symbol)

	out, err := do(ctx, client, request{
		url:     strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(symbol),
		params:  map[string]any{"interval": "1d", "range": "1d"},
		headers: map[string]string{"User-Agent": "Mozilla/5.0"},
	})
	if err != nil {
		return errorResult("lookup of %s failed: %v", symbol, err)
	}

	meta := chartMeta(out)
	if meta == nil || meta["regularMarketPrice"] == nil {
		return errorResult("no market data for %s", symbol)
	}
	quote := make(map[string]any, len(stockFields))
	for _, k := range stockFields {
		if v, ok := meta[k]; ok {
			quote[k] = v
		}
	}
	return result(quote)
}

// chartMeta digs chart.result[0].meta out of a chart response.
func chartMeta(v any) map[string]any {
	root, _ := v.(map[string]any)
	chart, _ := root["chart"].(map[string]any)
	results, _ := chart["result"].([]any)
	if len(results) == 0 {
		return nil
	}
	first, _ := results[0].(map[string]any)
	meta, _ := first["meta"].(map[string]any)
	return meta
}
