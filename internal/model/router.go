package model

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// pricing is USD per million tokens, (input, output). Unlisted models fall
// back to their provider default entry.
type pricing struct {
	in  float64
	out float64
}

var modelPricing = map[string]pricing{
	"gpt-4o":                     {2.50, 10.00},
	"gpt-4o-mini":                {0.15, 0.60},
	"gpt-4.1":                    {2.00, 8.00},
	"gpt-4.1-mini":               {0.40, 1.60},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
	"claude-3-5-sonnet-20241022": {3.00, 15.00},
	"claude-sonnet-4-20250514":   {3.00, 15.00},
	"claude-opus-4-20250514":     {15.00, 75.00},
}

var providerDefaultPricing = map[string]pricing{
	"openai":    {2.50, 10.00},
	"anthropic": {3.00, 15.00},
}

// Router dispatches requests to per-provider clients, applies the call
// timeout, and fills in the cost from the pricing table.
type Router struct {
	clients map[string]Client
}

// NewRouter builds a router over the given provider clients (keys are
// lower-case provider names).
func NewRouter(clients map[string]Client) *Router {
	return &Router{clients: clients}
}

// Register adds or replaces a provider client.
func (r *Router) Register(provider string, client Client) {
	r.clients[strings.ToLower(provider)] = client
}

func (r *Router) Invoke(ctx context.Context, req Request) (*Response, error) {
	client, ok := r.clients[strings.ToLower(req.Provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.Invoke(callCtx, req)
	if err != nil {
		return nil, err
	}
	resp.CostUSD = Cost(req.Provider, req.Model, resp.PromptTokens, resp.CompletionTokens)
	return resp, nil
}

// Cost computes the USD cost of a call from the pricing table.
func Cost(provider, model string, promptTokens, completionTokens int64) float64 {
	p, ok := modelPricing[strings.ToLower(model)]
	if !ok {
		p = providerDefaultPricing[strings.ToLower(provider)]
	}
	return float64(promptTokens)/1e6*p.in + float64(completionTokens)/1e6*p.out
}
