package contract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"forge/internal/artifact"
	forgeerrors "forge/internal/errors"
	"forge/internal/llm"
)

const validPlan = `{"type":"PLAN","steps":["write it","test it"]}`

func TestExtract_SurroundingText(t *testing.T) {
	t.Parallel()

	got, err := Extract("Sure, here is the plan: " + validPlan + " Hope that helps!")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != validPlan {
		t.Fatalf("Extract() = %q", got)
	}
}

func TestExtract_ReasoningBlockDiscarded(t *testing.T) {
	t.Parallel()

	text := "<think>I will now emit {\"fake\":true} as a draft</think>\n" + validPlan
	got, err := Extract(text)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != validPlan {
		t.Fatalf("Extract() = %q", got)
	}
}

func TestExtract_CommandDelimitersWinOverFence(t *testing.T) {
	t.Parallel()

	inner := `{"type":"COMMAND","command":"list_files"}`
	text := "@@@COMMAND_START@@@\n" + inner + "\n@@@COMMAND_END@@@\n```json\n{\"type\":\"PLAN\"}\n```"
	got, err := Extract(text)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != inner {
		t.Fatalf("Extract() = %q, want command interior", got)
	}
}

func TestExtract_FencedBlock(t *testing.T) {
	t.Parallel()

	got, err := Extract("```json\n" + validPlan + "\n```")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != validPlan {
		t.Fatalf("Extract() = %q", got)
	}
}

func TestExtract_NoObject(t *testing.T) {
	t.Parallel()

	if _, err := Extract("no json here at all"); err == nil {
		t.Fatal("expected error for text without an object")
	}
}

func TestRequest_SucceedsWithinBound(t *testing.T) {
	t.Parallel()

	// Three malformed responses, then a valid one: succeeds iff the bound
	// admits a fourth attempt.
	mock := llm.NewMock(
		llm.Text("garbage"),
		llm.Text("{broken"),
		llm.Text("still nothing"),
		llm.Text(validPlan),
	)
	c := New(mock, 4)

	art, err := c.Request(context.Background(), llm.Request{User: "plan it"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if art.Kind() != artifact.KindPlan {
		t.Fatalf("got kind %s, want PLAN", art.Kind())
	}
	if len(mock.Requests) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(mock.Requests))
	}
}

func TestRequest_ExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	mock := llm.NewMock(
		llm.Text("garbage"),
		llm.Text("garbage"),
		llm.Text("garbage"),
		llm.Text(validPlan), // never reached
	)
	c := New(mock, 3)

	_, err := c.Request(context.Background(), llm.Request{User: "plan it"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !forgeerrors.IsFatal(err) {
		t.Fatalf("exhaustion must be fatal, got %v", err)
	}
	if len(mock.Requests) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", len(mock.Requests))
	}
}

func TestRequest_TruncationNoteAsksToShrink(t *testing.T) {
	t.Parallel()

	mock := llm.NewMock(
		llm.TruncatedText(`{"type":"PLAN","steps":["cut off`),
		llm.Text(validPlan),
	)
	c := New(mock, 3)

	if _, err := c.Request(context.Background(), llm.Request{User: "plan it"}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	second := mock.Requests[1].User
	if !strings.Contains(second, "TRUNCATED") {
		t.Fatalf("second attempt should carry the truncation note, got %q", second)
	}
}

func TestRequest_ParseNoteIncludesError(t *testing.T) {
	t.Parallel()

	mock := llm.NewMock(
		llm.Text("not even close"),
		llm.Text(validPlan),
	)
	c := New(mock, 3)

	if _, err := c.Request(context.Background(), llm.Request{User: "plan it"}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	second := mock.Requests[1].User
	if !strings.Contains(second, "JSON Error") {
		t.Fatalf("second attempt should carry the parse note, got %q", second)
	}
}

func TestRequest_TransportRetriesVerbatim(t *testing.T) {
	t.Parallel()

	mock := llm.NewMock(
		llm.Fail(errors.New("connection refused")),
		llm.Text(validPlan),
	)
	c := New(mock, 3)

	if _, err := c.Request(context.Background(), llm.Request{User: "plan it"}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if mock.Requests[0].User != mock.Requests[1].User {
		t.Fatal("transport retry must resend the request verbatim")
	}
}

func TestRequest_RepairsNearJSON(t *testing.T) {
	t.Parallel()

	// Trailing comma: invalid JSON, but repairable without a retry.
	mock := llm.NewMock(llm.Text(`{"type":"PLAN","steps":["a","b",],}`))
	c := New(mock, 1)

	art, err := c.Request(context.Background(), llm.Request{User: "plan it"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	plan := art.(*artifact.Plan)
	if len(plan.Steps) != 2 {
		t.Fatalf("repaired plan steps = %v", plan.Steps)
	}
}

func TestRequest_SchemaErrorsAreNotRepaired(t *testing.T) {
	t.Parallel()

	// Parses fine, fails validation: repair must not mask it, the retry
	// loop handles it.
	mock := llm.NewMock(
		llm.Text(`{"type":"PLAN"}`),
		llm.Text(validPlan),
	)
	c := New(mock, 2)

	if _, err := c.Request(context.Background(), llm.Request{User: "plan it"}); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if len(mock.Requests) != 2 {
		t.Fatalf("expected retry on schema error, got %d attempts", len(mock.Requests))
	}
}
