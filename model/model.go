// Package model defines the provider-agnostic completion contract used by the
// agent. Adapters for concrete providers live in subpackages and translate
// Request/Response to their SDK types; middleware packages wrap Client with
// rate limiting and failover.
package model

import (
	"context"
	"errors"
)

type (
	// Role identifies the author of a conversation message.
	Role string

	// Message is one turn of the conversation sent to the provider. System
	// instructions travel separately in Request.System.
	Message struct {
		Role    Role
		Content string
	}

	// Request describes a single completion call.
	Request struct {
		// System is the system prompt, kept out of Messages so adapters can
		// place it wherever their provider expects it.
		System string

		// Messages is the conversation transcript, oldest first.
		Messages []Message

		// Temperature in [0, 1]. Zero means the adapter default.
		Temperature float64

		// MaxTokens caps the completion length. Zero means the adapter default.
		MaxTokens int

		// Stop lists sequences that end generation early.
		Stop []string
	}

	// Usage reports token consumption for one call.
	Usage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// FinishReason explains why generation stopped.
	FinishReason string

	// Response is the provider-agnostic completion result.
	Response struct {
		Text         string
		Usage        Usage
		FinishReason FinishReason
	}

	// Client is implemented by provider adapters and middleware.
	Client interface {
		// Complete issues one completion call. Errors are classified with the
		// package sentinels so callers can decide whether to retry or fail over.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Name identifies the provider for logging and audit records.
		Name() string
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// FinishStop means the model completed naturally or hit a stop sequence.
	FinishStop FinishReason = "stop"

	// FinishLength means the completion was truncated at MaxTokens.
	FinishLength FinishReason = "length"

	// FinishError means the provider reported a failure mid-generation.
	FinishError FinishReason = "error"
)

// Sentinel errors adapters wrap into their returned errors so callers can
// classify failures with errors.Is regardless of provider.
var (
	// ErrRateLimited indicates the provider is throttling requests.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable indicates a transient provider failure (5xx, network)
	// where a retry may succeed.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrAuth indicates authentication or authorization failed.
	ErrAuth = errors.New("authentication failed")

	// ErrInvalidRequest indicates the request is malformed; retrying without
	// changing it will not succeed.
	ErrInvalidRequest = errors.New("invalid request")
)

// Transient reports whether retrying the call may succeed without changing
// the request.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
