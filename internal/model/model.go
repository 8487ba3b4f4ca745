// Package model wraps AI providers behind a synchronous request/response
// client with token and cost accounting.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
)

// Request is one model invocation.
type Request struct {
	Provider     string
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	ForceJSON    bool // ask the provider for a JSON object response
}

// Response is the provider's answer plus accounting.
type Response struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	TokensUsed       int64
	CostUSD          float64
}

// Client invokes a model synchronously. Implementations must be safe for
// concurrent use.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ErrUnknownProvider marks a provider no client is registered for; it is a
// configuration error for the owning agent.
var ErrUnknownProvider = errors.New("unknown model provider")

// Class buckets provider errors for retry dispositions.
type Class int

const (
	ClassOther Class = iota
	ClassTimeout
	ClassRateLimited
	ClassClient // 4xx excluding 408/429
	ClassServer // 5xx
)

// Classify maps an invocation error to its class. Both SDKs surface API
// failures as *Error values carrying the HTTP status code.
func Classify(err error) Class {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	status := 0
	var anthErr *anthropicsdk.Error
	if errors.As(err, &anthErr) {
		status = anthErr.StatusCode
	}
	var oaiErr *openaisdk.Error
	if errors.As(err, &oaiErr) {
		status = oaiErr.StatusCode
	}
	switch {
	case status == 408 || status == 429:
		return ClassRateLimited
	case status >= 500:
		return ClassServer
	case status >= 400:
		return ClassClient
	}
	return ClassOther
}

// String implements fmt.Stringer for log fields.
func (c Class) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassRateLimited:
		return "rate_limited"
	case ClassClient:
		return "4xx"
	case ClassServer:
		return "5xx"
	}
	return "other"
}

var _ fmt.Stringer = ClassOther
