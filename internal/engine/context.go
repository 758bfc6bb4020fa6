package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"forge/internal/artifact"
)

// Phase is one named step of the workflow state machine.
type Phase string

const (
	PhaseSpec        Phase = "SPEC"
	PhaseSpecReview  Phase = "SPEC_REVIEW"
	PhaseSpecRepair  Phase = "SPEC_REPAIR"
	PhasePlan        Phase = "PLAN"
	PhasePatch       Phase = "PATCH"
	PhaseApply       Phase = "APPLY"
	PhasePatchReview Phase = "PATCH_REVIEW"
	PhaseTest        Phase = "TEST"
	PhaseRepairPatch Phase = "REPAIR_PATCH"
	PhaseDone        Phase = "DONE"
	PhaseFailed      Phase = "FAILED"
)

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

// TaskPacket is the immutable per-run input.
type TaskPacket struct {
	Objective    string   `json:"objective"`
	Workspace    string   `json:"workspace"`
	FilesAllowed []string `json:"files_allowed,omitempty"`
	TaskID       string   `json:"task_id"`
}

// NewTaskPacket fills in a generated task id when none is supplied.
func NewTaskPacket(objective, workspace string, filesAllowed []string, taskID string) TaskPacket {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	return TaskPacket{
		Objective:    objective,
		Workspace:    workspace,
		FilesAllowed: filesAllowed,
		TaskID:       taskID,
	}
}

// RunContext is the engine-owned mutable aggregate, persisted wholesale
// after every phase. Artifacts are held as their raw JSON so persistence is
// byte-faithful; typed accessors re-decode on demand.
type RunContext struct {
	Packet          TaskPacket        `json:"packet"`
	FrozenSpec      json.RawMessage   `json:"frozen_spec,omitempty"`
	Plan            json.RawMessage   `json:"plan,omitempty"`
	Patches         []json.RawMessage `json:"patches"`
	TestReports     []json.RawMessage `json:"test_reports"`
	SpecReview      json.RawMessage   `json:"spec_review,omitempty"`
	PatchReview     json.RawMessage   `json:"patch_review,omitempty"`
	ResearchReport  string            `json:"research_report,omitempty"`
	Phase           Phase             `json:"current_state"`
	Iteration       int               `json:"iteration_count"`
	RepairCount     int               `json:"repair_count"`
	SpecRepairCount int               `json:"spec_repair_count"`
}

// NewRunContext starts a fresh context in the SPEC phase.
func NewRunContext(packet TaskPacket) *RunContext {
	return &RunContext{Packet: packet, Phase: PhaseSpec}
}

func decodeAs[T artifact.Artifact](raw json.RawMessage, what string) (T, error) {
	var zero T
	if len(raw) == 0 {
		return zero, fmt.Errorf("no %s recorded", what)
	}
	art, err := artifact.Decode(raw)
	if err != nil {
		return zero, fmt.Errorf("persisted %s is corrupt: %w", what, err)
	}
	typed, ok := art.(T)
	if !ok {
		return zero, fmt.Errorf("persisted %s has kind %s", what, art.Kind())
	}
	return typed, nil
}

// Spec decodes the frozen specification.
func (rc *RunContext) Spec() (*artifact.Specification, error) {
	return decodeAs[*artifact.Specification](rc.FrozenSpec, "specification")
}

// LastPatch decodes the most recent patch.
func (rc *RunContext) LastPatch() (*artifact.Patch, error) {
	if len(rc.Patches) == 0 {
		return nil, fmt.Errorf("no patches recorded")
	}
	return decodeAs[*artifact.Patch](rc.Patches[len(rc.Patches)-1], "patch")
}

// LastTestReport decodes the most recent test report, or nil when none.
func (rc *RunContext) LastTestReport() *artifact.TestReport {
	if len(rc.TestReports) == 0 {
		return nil
	}
	report, err := decodeAs[*artifact.TestReport](rc.TestReports[len(rc.TestReports)-1], "test report")
	if err != nil {
		return nil
	}
	return report
}

// PatchReviewVerdict decodes the latest patch review, or nil when none.
func (rc *RunContext) PatchReviewVerdict() *artifact.Review {
	if len(rc.PatchReview) == 0 {
		return nil
	}
	review, err := decodeAs[*artifact.Review](rc.PatchReview, "patch review")
	if err != nil {
		return nil
	}
	return review
}

// SpecReviewVerdict decodes the latest spec review, or nil when none.
func (rc *RunContext) SpecReviewVerdict() *artifact.Review {
	if len(rc.SpecReview) == 0 {
		return nil
	}
	review, err := decodeAs[*artifact.Review](rc.SpecReview, "spec review")
	if err != nil {
		return nil
	}
	return review
}

// Success reports the run's final verdict: terminal DONE with a passing last
// test report.
func (rc *RunContext) Success() bool {
	if rc.Phase != PhaseDone {
		return false
	}
	report := rc.LastTestReport()
	return report != nil && report.Success
}
