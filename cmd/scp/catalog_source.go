package main

import (
	"context"
	"time"

	"github.com/kraklabs/scp/catalog"
)

// staticCatalogSource seeds the capability catalog with a fixed entry set
// spanning every executor-binding kind the catalog's formatFor mapping
// understands (function, http, grpc) plus an LLM call and a connector
// entry, so a freshly started node exercises the full dispatch-format
// surface the moment a workflow references one of these capabilities.
type staticCatalogSource struct {
	entries []catalog.Entry
}

func newStaticCatalogSource() *staticCatalogSource {
	return &staticCatalogSource{entries: []catalog.Entry{
		{
			ID:                "slack.post",
			Name:              "Post Slack message",
			Category:          catalog.CategoryAction,
			Description:       "posts a message to a Slack channel",
			Inputs:            []catalog.IOField{{Name: "message", Type: "string", Required: true}},
			Outputs:           []catalog.IOField{{Name: "ok", Type: "boolean"}},
			Executor:          catalog.ExecutorRef{Kind: catalog.ExecutorFunctionRef, Ref: "slack.post"},
			EstimatedDuration: 150 * time.Millisecond,
			SupportsParallel:  true,
			EstimatedCost:     catalog.CostEstimate{CPU: 0.05, MemoryMB: 8},
		},
		{
			ID:                "email.send",
			Name:              "Send email",
			Category:          catalog.CategoryAction,
			Description:       "sends an email via the configured transactional provider",
			Inputs:            []catalog.IOField{{Name: "to", Type: "string", Required: true}, {Name: "body", Type: "string", Required: true}},
			Outputs:           []catalog.IOField{{Name: "messageId", Type: "string"}},
			Executor:          catalog.ExecutorRef{Kind: catalog.ExecutorFunctionRef, Ref: "email.send"},
			EstimatedDuration: 200 * time.Millisecond,
			EstimatedCost:     catalog.CostEstimate{CPU: 0.05, MemoryMB: 8},
		},
		{
			ID:                "weather.fetch",
			Name:              "Fetch weather",
			Category:          catalog.CategoryService,
			Description:       "fetches current weather conditions for a location",
			Inputs:            []catalog.IOField{{Name: "location", Type: "string", Required: true}},
			Outputs:           []catalog.IOField{{Name: "tempC", Type: "number"}},
			Executor:          catalog.ExecutorRef{Kind: catalog.ExecutorHTTPRef, Ref: "https://weather.example/v1/current"},
			EstimatedDuration: 300 * time.Millisecond,
			Cacheable:         true,
			CacheTTL:          5 * time.Minute,
			EstimatedCost:     catalog.CostEstimate{CPU: 0.02, MemoryMB: 4},
		},
		{
			ID:                "geocode.lookup",
			Name:              "Geocode lookup",
			Category:          catalog.CategoryService,
			Description:       "resolves a free-text address to coordinates over gRPC",
			Inputs:            []catalog.IOField{{Name: "address", Type: "string", Required: true}},
			Outputs:           []catalog.IOField{{Name: "lat", Type: "number"}, {Name: "lng", Type: "number"}},
			Executor:          catalog.ExecutorRef{Kind: catalog.ExecutorGRPCRef, Ref: "geocode.v1.Geocoder/Lookup"},
			EstimatedDuration: 120 * time.Millisecond,
			EstimatedCost:     catalog.CostEstimate{CPU: 0.03, MemoryMB: 4},
		},
		{
			ID:                "sentiment.analyze",
			Name:              "Analyze sentiment",
			Category:          catalog.CategoryAction,
			Description:       "classifies free text sentiment using an LLM call",
			Inputs:            []catalog.IOField{{Name: "text", Type: "string", Required: true}},
			Outputs:           []catalog.IOField{{Name: "sentiment", Type: "string"}},
			Executor:          catalog.ExecutorRef{Kind: catalog.ExecutorFunctionRef, Ref: "llm.anthropic"},
			IsLLMCall:         true,
			EstimatedDuration: 1500 * time.Millisecond,
			EstimatedCost:     catalog.CostEstimate{CPU: 0.1, MemoryMB: 16},
		},
		{
			ID:                "telemetry.publish",
			Name:              "Publish telemetry",
			Category:          catalog.CategoryConnector,
			Description:       "publishes a reading onto the edge message bus",
			Inputs:            []catalog.IOField{{Name: "topic", Type: "string", Required: true}},
			Executor:          catalog.ExecutorRef{Kind: catalog.ExecutorWebSocketRef, Ref: "mqtt"},
			EstimatedDuration: 50 * time.Millisecond,
			EstimatedCost:     catalog.CostEstimate{CPU: 0.01, MemoryMB: 2},
		},
	}}
}

func (s *staticCatalogSource) Entries(ctx context.Context) ([]catalog.Entry, error) {
	out := make([]catalog.Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}
