// Package artifact defines the closed set of structured payloads exchanged
// between the model backend and the workflow. Every payload is decoded and
// validated here, once; downstream packages only ever see these variants.
package artifact

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the payload variants.
type Kind string

const (
	KindSpecification Kind = "SPECIFICATION"
	KindPlan          Kind = "PLAN"
	KindPatch         Kind = "PATCH"
	KindTestReport    Kind = "TEST_REPORT"
	KindReview        Kind = "REVIEW"
	KindQuestion      Kind = "QUESTION"
	KindCommand       Kind = "COMMAND"
)

// Kinds is the closed set of valid discriminators.
var Kinds = map[Kind]bool{
	KindSpecification: true,
	KindPlan:          true,
	KindPatch:         true,
	KindTestReport:    true,
	KindReview:        true,
	KindQuestion:      true,
	KindCommand:       true,
}

// Review status values.
const (
	StatusApprove = "APPROVE"
	StatusReject  = "REJECT"
)

// Artifact is one validated structured payload.
type Artifact interface {
	Kind() Kind
	// JSON returns the raw payload as accepted, for byte-faithful persistence.
	JSON() json.RawMessage
}

// Specification freezes the requirements the rest of the workflow builds
// against. Gates, when present, are taken verbatim by the gate evaluator.
type Specification struct {
	Overview     string         `json:"overview,omitempty"`
	Requirements []string       `json:"requirements"`
	Gates        map[string]any `json:"gates,omitempty"`

	raw json.RawMessage
}

func (*Specification) Kind() Kind            { return KindSpecification }
func (s *Specification) JSON() json.RawMessage { return s.raw }

// Plan is the ordered step list produced by the planner.
type Plan struct {
	Steps []string `json:"steps"`

	raw json.RawMessage
}

func (*Plan) Kind() Kind            { return KindPlan }
func (p *Plan) JSON() json.RawMessage { return p.raw }

// FileOp is one file write inside a patch.
type FileOp struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Content string `json:"content"`
}

// Patch is an ordered batch of file writes.
type Patch struct {
	Files []FileOp `json:"files"`

	raw json.RawMessage
}

func (*Patch) Kind() Kind            { return KindPatch }
func (p *Patch) JSON() json.RawMessage { return p.raw }

// TestReport carries the tester's verdict; for gated runs the report text is
// the formatted gate output.
type TestReport struct {
	Success bool   `json:"success"`
	Report  string `json:"report,omitempty"`

	raw json.RawMessage
}

func (*TestReport) Kind() Kind            { return KindTestReport }
func (t *TestReport) JSON() json.RawMessage { return t.raw }

// Approved reports whether the test run succeeded.
func (t *TestReport) Approved() bool { return t.Success }

// Review is a critic verdict over a spec or a patch.
type Review struct {
	Status      string   `json:"status"`
	Critique    string   `json:"critique,omitempty"`
	FailureTags []string `json:"failure_tags,omitempty"`

	raw json.RawMessage
}

func (*Review) Kind() Kind            { return KindReview }
func (r *Review) JSON() json.RawMessage { return r.raw }

// Approved reports whether the review approves the artifact.
func (r *Review) Approved() bool { return r.Status == StatusApprove }

// Question is a clarification request; the engine records it but has no
// interactive channel to answer, so it is treated as a protocol violation by
// sessions expecting a terminal artifact.
type Question struct {
	Text string `json:"question"`

	raw json.RawMessage
}

func (*Question) Kind() Kind            { return KindQuestion }
func (q *Question) JSON() json.RawMessage { return q.raw }

// Command asks the session to perform one sandboxed operation. Known names
// carry their own required fields; an unknown name is passed through so a
// role may issue a bare shell line as its command.
type Command struct {
	Name    string   `json:"command"`
	Args    string   `json:"args,omitempty"`
	File    string   `json:"file,omitempty"`
	Content string   `json:"content,omitempty"`
	Files   []string `json:"files,omitempty"`

	raw json.RawMessage
}

func (*Command) Kind() Kind            { return KindCommand }
func (c *Command) JSON() json.RawMessage { return c.raw }

// Known command names.
const (
	CmdRunShell  = "run_shell"
	CmdWriteFile = "write_file"
	CmdReadFiles = "read_files"
	CmdListFiles = "list_files"
	CmdCopyFile  = "copy_file"
	CmdFileInfo  = "file_info"
	CmdVerifyURL = "verify_url"
)

// ValidationError reports a payload that parsed as JSON but failed the
// per-kind schema.
type ValidationError struct {
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func invalid(kind Kind, format string, args ...any) error {
	return &ValidationError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// envelope sniffs the discriminator before variant decoding.
type envelope struct {
	Type Kind `json:"type"`
}

// Decode parses exactly one JSON object into its validated variant.
func Decode(data []byte) (Artifact, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if !Kinds[env.Type] {
		return nil, invalid("", "invalid or missing type: %q", env.Type)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	switch env.Type {
	case KindSpecification:
		return decodeSpecification(raw)
	case KindPlan:
		return decodePlan(raw)
	case KindPatch:
		return decodePatch(raw)
	case KindTestReport:
		return decodeTestReport(raw)
	case KindReview:
		return decodeReview(raw)
	case KindQuestion:
		return decodeQuestion(raw)
	case KindCommand:
		return decodeCommand(raw)
	}
	return nil, invalid("", "unreachable type %q", env.Type)
}

func decodeSpecification(raw json.RawMessage) (*Specification, error) {
	var probe struct {
		Overview     string          `json:"overview"`
		Requirements json.RawMessage `json:"requirements"`
		Gates        map[string]any  `json:"gates"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, invalid(KindSpecification, "malformed payload: %v", err)
	}
	if len(probe.Requirements) == 0 {
		return nil, invalid(KindSpecification, "missing 'requirements' list")
	}
	var requirements []string
	if err := json.Unmarshal(probe.Requirements, &requirements); err != nil {
		return nil, invalid(KindSpecification, "'requirements' must be a list of strings")
	}
	return &Specification{
		Overview:     probe.Overview,
		Requirements: requirements,
		Gates:        probe.Gates,
		raw:          raw,
	}, nil
}

func decodePlan(raw json.RawMessage) (*Plan, error) {
	var probe struct {
		Steps json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, invalid(KindPlan, "malformed payload: %v", err)
	}
	if len(probe.Steps) == 0 {
		return nil, invalid(KindPlan, "missing 'steps' list")
	}
	var steps []string
	if err := json.Unmarshal(probe.Steps, &steps); err != nil {
		return nil, invalid(KindPlan, "'steps' must be a list of strings")
	}
	return &Plan{Steps: steps, raw: raw}, nil
}

func decodePatch(raw json.RawMessage) (*Patch, error) {
	var probe struct {
		Files json.RawMessage `json:"files"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, invalid(KindPatch, "malformed payload: %v", err)
	}
	if len(probe.Files) == 0 {
		return nil, invalid(KindPatch, "missing 'files' list")
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(probe.Files, &entries); err != nil {
		return nil, invalid(KindPatch, "'files' must be a list of objects")
	}

	files := make([]FileOp, 0, len(entries))
	for i, entry := range entries {
		var op FileOp
		if err := unmarshalString(entry["path"], &op.Path); err != nil || op.Path == "" {
			return nil, invalid(KindPatch, "file entry %d missing path", i)
		}
		if err := unmarshalString(entry["action"], &op.Action); err != nil || op.Action == "" {
			return nil, invalid(KindPatch, "file entry %d missing action", i)
		}
		if _, ok := entry["content"]; !ok {
			return nil, invalid(KindPatch, "file entry %d missing content", i)
		}
		if err := unmarshalString(entry["content"], &op.Content); err != nil {
			return nil, invalid(KindPatch, "file entry %d content must be string", i)
		}
		files = append(files, op)
	}
	return &Patch{Files: files, raw: raw}, nil
}

func decodeTestReport(raw json.RawMessage) (*TestReport, error) {
	var probe struct {
		Success *bool  `json:"success"`
		Report  string `json:"report"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, invalid(KindTestReport, "malformed payload: %v", err)
	}
	if probe.Success == nil {
		return nil, invalid(KindTestReport, "missing 'success' boolean")
	}
	return &TestReport{Success: *probe.Success, Report: probe.Report, raw: raw}, nil
}

func decodeReview(raw json.RawMessage) (*Review, error) {
	var review Review
	if err := json.Unmarshal(raw, &review); err != nil {
		return nil, invalid(KindReview, "malformed payload: %v", err)
	}
	if review.Status != StatusApprove && review.Status != StatusReject {
		return nil, invalid(KindReview, "missing status (APPROVE/REJECT)")
	}
	review.raw = raw
	return &review, nil
}

func decodeQuestion(raw json.RawMessage) (*Question, error) {
	var question Question
	if err := json.Unmarshal(raw, &question); err != nil {
		return nil, invalid(KindQuestion, "malformed payload: %v", err)
	}
	question.raw = raw
	return &question, nil
}

func decodeCommand(raw json.RawMessage) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, invalid(KindCommand, "malformed payload: %v", err)
	}
	if cmd.Name == "" {
		return nil, invalid(KindCommand, "missing 'command' string")
	}

	switch cmd.Name {
	case CmdRunShell:
		if cmd.Args == "" {
			return nil, invalid(KindCommand, "run_shell requires 'args' string")
		}
	case CmdWriteFile:
		if cmd.File == "" {
			return nil, invalid(KindCommand, "write_file requires 'file' string")
		}
		if !hasKey(raw, "content") {
			return nil, invalid(KindCommand, "write_file requires 'content' string")
		}
	case CmdReadFiles:
		if len(cmd.Files) == 0 {
			return nil, invalid(KindCommand, "read_files requires 'files' list")
		}
	case CmdCopyFile:
		if len(cmd.Files) != 2 {
			return nil, invalid(KindCommand, "copy_file requires 'files' [source, destination]")
		}
	case CmdFileInfo:
		if cmd.File == "" {
			return nil, invalid(KindCommand, "file_info requires 'file' string")
		}
	case CmdVerifyURL:
		if cmd.Args == "" {
			return nil, invalid(KindCommand, "verify_url requires 'args' string")
		}
	}

	cmd.raw = raw
	return &cmd, nil
}

func unmarshalString(raw json.RawMessage, dst *string) error {
	if raw == nil {
		return fmt.Errorf("missing")
	}
	return json.Unmarshal(raw, dst)
}

func hasKey(raw json.RawMessage, key string) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe[key]
	return ok
}

// MustRaw builds a raw payload for synthesized artifacts (fallbacks and gate
// reports produced inside the engine rather than by the model).
func MustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// NewPatch synthesizes a validated patch, used for session fallbacks.
func NewPatch(files []FileOp) *Patch {
	p := &Patch{Files: files}
	p.raw = MustRaw(map[string]any{"type": KindPatch, "files": files})
	return p
}

// NewReview synthesizes a review verdict.
func NewReview(status, critique string, tags ...string) *Review {
	r := &Review{Status: status, Critique: critique, FailureTags: tags}
	r.raw = MustRaw(map[string]any{
		"type": KindReview, "status": status, "critique": critique, "failure_tags": tags,
	})
	return r
}

// NewTestReport synthesizes a test report.
func NewTestReport(success bool, report string) *TestReport {
	t := &TestReport{Success: success, Report: report}
	t.raw = MustRaw(map[string]any{"type": KindTestReport, "success": success, "report": report})
	return t
}
