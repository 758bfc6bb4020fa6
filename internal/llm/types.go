// Package llm is the model-backend boundary: text in, text out, with the
// truncation flag as the only structured signal besides the text.
package llm

import "context"

// Request is one completion request.
type Request struct {
	System      string
	User        string
	Temperature float64
	// MaxTokens caps the output length; zero means backend default.
	MaxTokens int
}

// Response is one completion response.
type Response struct {
	Content string
	// Truncated is set when the backend cut the output at the length cap.
	Truncated bool
}

// Client is the minimal completion contract.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}
