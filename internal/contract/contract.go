// Package contract turns one raw model response into exactly one validated
// artifact, or fails deterministically after bounded retries. Its errors are
// unrecoverable by design: exhausting attempts aborts the whole run, unlike
// sandbox and gate failures which always feed the repair loop.
package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"forge/internal/artifact"
	forgeerrors "forge/internal/errors"
	"forge/internal/llm"
	"forge/internal/logging"
)

// Contract binds a model client to the structured response wire contract.
type Contract struct {
	client      llm.Client
	maxAttempts int
	logger      logging.Logger
}

// New builds a contract with the given attempt bound. Transport failures and
// parse/validation failures share the one counter.
func New(client llm.Client, maxAttempts int) *Contract {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Contract{
		client:      client,
		maxAttempts: maxAttempts,
		logger:      logging.NewComponentLogger("contract"),
	}
}

// failure distinguishes the three corrective-note causes.
type failure int

const (
	failureNone failure = iota
	failureTruncated
	failureParse
	failureTransport
)

// Request performs up to maxAttempts completions and returns the first
// response that decodes into a valid artifact.
func (c *Contract) Request(ctx context.Context, req llm.Request) (artifact.Artifact, error) {
	var (
		lastFailure  = failureNone
		lastParseErr string
		lastErr      error
	)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attemptReq := req
		attemptReq.User = req.User + correctiveNote(lastFailure, lastParseErr)

		c.logger.Debug("Sending request (attempt %d/%d)", attempt, c.maxAttempts)
		resp, err := c.client.Complete(ctx, attemptReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
			}
			c.logger.Warn("Transport failure on attempt %d: %v", attempt, err)
			lastFailure = failureTransport
			lastErr = err
			continue
		}

		art, err := c.decode(resp.Content)
		if err == nil {
			return art, nil
		}

		c.logger.Debug("Parse error on attempt %d: %v", attempt, err)
		lastErr = err
		lastParseErr = err.Error()
		if resp.Truncated {
			lastFailure = failureTruncated
		} else {
			lastFailure = failureParse
		}
	}

	return nil, forgeerrors.Fatal(lastErr,
		"model failed structured output after %d attempts: %v", c.maxAttempts, lastErr)
}

// correctiveNote appends one note to the outgoing request describing why the
// previous attempt failed. Transport failures retry verbatim.
func correctiveNote(cause failure, parseErr string) string {
	switch cause {
	case failureTruncated:
		return "\n\n(Note: Previous attempt failed." +
			" The response was TRUNCATED due to length limits. You MUST reduce the size of your output.)"
	case failureParse:
		return fmt.Sprintf("\n\n(Note: Previous attempt failed."+
			" JSON Error: %s. Please ensure valid JSON output.)", parseErr)
	default:
		return ""
	}
}

var (
	reasoningBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	commandBlockRe   = regexp.MustCompile(`(?s)@@@COMMAND_START@@@\s*(.*?)\s*@@@COMMAND_END@@@`)
	fencedBlockRe    = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// Extract isolates the single JSON object from free-form model text.
// Order: reasoning block discarded, command delimiters, fenced block, then
// the substring from the first '{' to the last '}'.
func Extract(text string) (string, error) {
	text = strings.TrimSpace(reasoningBlockRe.ReplaceAllString(text, ""))

	if m := commandBlockRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	} else if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return text[start : end+1], nil
}

// decode extracts, parses (repairing near-JSON once) and validates.
func (c *Contract) decode(content string) (artifact.Artifact, error) {
	candidate, err := Extract(content)
	if err != nil {
		return nil, err
	}

	art, err := artifact.Decode([]byte(candidate))
	if err == nil {
		return art, nil
	}

	// Validation failures are schema problems; repairing won't help.
	var validationErr *artifact.ValidationError
	if errors.As(err, &validationErr) {
		return nil, err
	}

	repaired, repairErr := jsonrepair.JSONRepair(candidate)
	if repairErr != nil {
		return nil, err
	}
	if !json.Valid([]byte(repaired)) {
		return nil, err
	}
	c.logger.Debug("Recovered malformed JSON via repair (%d -> %d bytes)",
		len(candidate), len(repaired))
	return artifact.Decode([]byte(repaired))
}
