// Package engine sequences the workflow phases: specification, review,
// planning, patching, apply, testing and bounded repair, persisting the run
// context after every completed phase so a crash never loses more than the
// phase in flight.
package engine

import (
	"context"
	"fmt"

	"forge/internal/artifact"
	"forge/internal/config"
	"forge/internal/contract"
	"forge/internal/gate"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/prompts"
	"forge/internal/sandbox"
	"forge/internal/session"
	"forge/internal/store"
)

// Engine drives one task through the workflow state machine.
type Engine struct {
	cfg       config.Config
	contract  *contract.Contract
	sandbox   *sandbox.Sandbox
	store     *store.Store
	evaluator *gate.Evaluator
	logger    logging.Logger

	specCritic  *session.Driver
	patchCritic *session.Driver
	coder       *session.Driver
	tester      *session.Driver

	rc *RunContext
}

// New wires an engine over an already-constructed sandbox and store. client
// should already carry transport-level retry; the contract adds the
// structured-output attempt counter on top.
func New(cfg config.Config, client llm.Client, st *store.Store, sb *sandbox.Sandbox) *Engine {
	ct := contract.New(client, cfg.Contract.MaxAttempts)

	e := &Engine{
		cfg:       cfg,
		contract:  ct,
		sandbox:   sb,
		store:     st,
		evaluator: gate.NewEvaluator(sb),
		logger:    logging.NewComponentLogger("engine"),
	}

	e.specCritic = session.NewDriver("critic_spec", ct, sb, cfg.Session,
		cfg.Session.MaxSpecReviewSteps, []artifact.Kind{artifact.KindReview}, rejectFallback)
	e.patchCritic = session.NewDriver("critic_patch", ct, sb, cfg.Session,
		cfg.Session.MaxPatchReviewSteps, []artifact.Kind{artifact.KindReview}, rejectFallback)
	e.coder = session.NewDriver("coder", ct, sb, cfg.Session,
		cfg.Session.MaxCoderSteps, []artifact.Kind{artifact.KindPatch}, patchFallback)
	e.tester = session.NewDriver("tester", ct, sb, cfg.Session,
		cfg.Session.MaxTesterSteps, []artifact.Kind{artifact.KindTestReport}, testReportFallback)
	return e
}

// Context exposes the run context, for the CLI's final reporting.
func (e *Engine) Context() *RunContext { return e.rc }

// Run executes the workflow to a terminal phase. A nil error means the
// machine reached DONE with a passing test report; FAILED and aborted runs
// return an error describing the outcome. Persisted state stays valid for a
// later resume in every case.
func (e *Engine) Run(ctx context.Context, packet TaskPacket) (err error) {
	loaded, loadErr := e.loadContext()
	if loadErr != nil {
		return loadErr
	}
	if !loaded {
		e.rc = NewRunContext(packet)
		e.logger.Info("Starting task %s in phase SPEC", packet.TaskID)
	} else {
		e.logger.Info("Resuming task %s from phase %s", e.rc.Packet.TaskID, e.rc.Phase)
	}

	// Catch-once: an unexpected panic in any phase aborts the run; the
	// state persisted after the previous phase remains valid.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Run aborted by panic in phase %s: %v", e.rc.Phase, r)
			err = fmt.Errorf("run aborted in phase %s: %v", e.rc.Phase, r)
		}
	}()

	for !e.rc.Phase.Terminal() {
		if ctx.Err() != nil {
			return fmt.Errorf("run cancelled in phase %s: %w", e.rc.Phase, ctx.Err())
		}

		e.rc.Iteration++
		e.logger.Info("Entering phase %s (iteration %d)", e.rc.Phase, e.rc.Iteration)

		if stepErr := e.step(ctx); stepErr != nil {
			e.logger.Error("Phase %s failed: %v", e.rc.Phase, stepErr)
			return fmt.Errorf("phase %s: %w", e.rc.Phase, stepErr)
		}
		if persistErr := e.store.SaveContext(e.rc); persistErr != nil {
			return fmt.Errorf("persist after phase: %w", persistErr)
		}
	}

	if e.rc.Success() {
		e.logger.Info("Workflow finished: DONE")
		return nil
	}
	e.logger.Warn("Workflow finished: %s", e.rc.Phase)
	return fmt.Errorf("workflow failed in phase %s", e.rc.Phase)
}

func (e *Engine) loadContext() (bool, error) {
	var rc RunContext
	loaded, err := e.store.LoadContext(&rc)
	if err != nil {
		return false, fmt.Errorf("load persisted context: %w", err)
	}
	if loaded {
		e.rc = &rc
	}
	return loaded, nil
}

func (e *Engine) step(ctx context.Context) error {
	switch e.rc.Phase {
	case PhaseSpec:
		return e.runSpec(ctx)
	case PhaseSpecReview:
		return e.runSpecReview(ctx)
	case PhaseSpecRepair:
		return e.runSpecRepair(ctx)
	case PhasePlan:
		return e.runPlan(ctx)
	case PhasePatch:
		return e.runPatch(ctx)
	case PhaseApply:
		return e.runApply(ctx)
	case PhasePatchReview:
		return e.runPatchReview(ctx)
	case PhaseTest:
		return e.runTest(ctx)
	case PhaseRepairPatch:
		return e.runRepairPatch(ctx)
	default:
		return fmt.Errorf("no handler for phase %s", e.rc.Phase)
	}
}

func (e *Engine) runSpec(ctx context.Context) error {
	spec, err := e.produceSpecification(ctx, e.architectUser())
	if err != nil {
		return err
	}
	e.rc.FrozenSpec = spec.JSON()
	e.saveArtifact("spec", spec)
	e.rc.Phase = PhaseSpecReview
	return nil
}

func (e *Engine) runSpecReview(ctx context.Context) error {
	e.autoResearch(ctx)

	review, err := e.runReviewSession(ctx, e.specCritic, prompts.CriticSpec, e.specCriticUser())
	if err != nil {
		return err
	}
	e.rc.SpecReview = review.JSON()
	e.saveArtifact("spec_review", review)

	if review.Approved() {
		e.rc.Phase = PhasePlan
	} else {
		e.rc.Phase = PhaseSpecRepair
	}
	return nil
}

func (e *Engine) runSpecRepair(ctx context.Context) error {
	if e.rc.SpecRepairCount >= e.cfg.Workflow.MaxSpecRepairs {
		e.logger.Warn("Spec repair budget exhausted (%d)", e.cfg.Workflow.MaxSpecRepairs)
		e.rc.Phase = PhaseFailed
		return nil
	}
	e.rc.SpecRepairCount++

	spec, err := e.produceSpecification(ctx, e.specRepairUser())
	if err != nil {
		return err
	}
	e.rc.FrozenSpec = spec.JSON()
	e.saveArtifact(fmt.Sprintf("spec_repair_%d", e.rc.SpecRepairCount), spec)
	e.rc.Phase = PhaseSpecReview
	return nil
}

func (e *Engine) runPlan(ctx context.Context) error {
	art, err := e.requestKind(ctx, prompts.Planner, e.plannerUser(), artifact.KindPlan)
	if err != nil {
		return err
	}
	plan := art.(*artifact.Plan)
	e.rc.Plan = plan.JSON()
	e.saveArtifact("plan", plan)
	e.rc.Phase = PhasePatch
	return nil
}

func (e *Engine) runPatch(ctx context.Context) error {
	art, err := e.coder.Run(ctx, prompts.Coder, e.coderUser())
	if err != nil {
		return err
	}
	patch, ok := art.(*artifact.Patch)
	if !ok {
		return fmt.Errorf("coder session returned %s, want PATCH", art.Kind())
	}
	e.appendPatch(patch, fmt.Sprintf("patch_%d", len(e.rc.Patches)+1))
	e.rc.Phase = PhaseApply
	return nil
}

// runApply validates and applies the latest patch, then runs the
// deterministic apply-gates. Sandbox violations and gate failures are
// recorded as a synthesized rejection so the repair loop sees a critique;
// they never abort the run.
func (e *Engine) runApply(ctx context.Context) error {
	patch, err := e.rc.LastPatch()
	if err != nil {
		e.rc.Phase = PhaseFailed
		return nil
	}

	if err := e.sandbox.ValidatePatch(patch); err != nil {
		if !sandbox.IsViolation(err) {
			e.logger.Error("Patch validation errored unexpectedly: %v", err)
			e.rc.Phase = PhaseFailed
			return nil
		}
		e.recordApplyRejection("patch validation failed: " + err.Error())
		return nil
	}

	result := e.sandbox.ApplyPatch(patch, "orchestrator")
	if !result.Clean() {
		e.recordApplyRejection(fmt.Sprintf("patch apply incomplete (%s): %v",
			result.Summary(), result.Failed))
		return nil
	}
	e.logger.Info("Patch applied: %s", result.Summary())

	if gateResult := e.evaluator.ApplyGates(ctx, patch); !gateResult.Passed {
		e.recordApplyRejection("apply gates failed: " + gateResult.Reason)
		return nil
	}

	e.rc.Phase = PhasePatchReview
	return nil
}

func (e *Engine) recordApplyRejection(critique string) {
	e.logger.Warn("Apply rejected: %s", critique)
	review := artifact.NewReview(artifact.StatusReject, critique, "APPLY_FAILURE")
	e.rc.PatchReview = review.JSON()
	e.saveArtifact("apply_rejection", review)
	e.rc.Phase = PhaseRepairPatch
}

// runPatchReview records the critic's verdict for audit. The verdict is
// advisory: deterministic gates alone decide acceptance, so the phase always
// proceeds to TEST.
func (e *Engine) runPatchReview(ctx context.Context) error {
	review, err := e.runReviewSession(ctx, e.patchCritic, prompts.CriticPatch, e.patchCriticUser())
	if err != nil {
		return err
	}
	e.rc.PatchReview = review.JSON()
	e.saveArtifact("patch_review", review)

	if !review.Approved() {
		e.logger.Warn("Patch critic rejected (advisory): %s", review.Critique)
	}
	e.rc.Phase = PhaseTest
	return nil
}

// runTest decides acceptance. Declared or inferred gates are authoritative;
// only a task with no gates at all falls back to an interactive tester
// session.
func (e *Engine) runTest(ctx context.Context) error {
	spec, err := e.rc.Spec()
	if err != nil {
		return err
	}

	var report *artifact.TestReport
	gateSpec := gate.FromSpecification(spec, e.rc.Packet.Objective)
	if !gateSpec.Empty() {
		results := e.evaluator.Run(ctx, gateSpec)
		report = gate.Report(results)
	} else {
		art, sessionErr := e.tester.Run(ctx, prompts.Tester, e.testerUser())
		if sessionErr != nil {
			return sessionErr
		}
		var ok bool
		if report, ok = art.(*artifact.TestReport); !ok {
			return fmt.Errorf("tester session returned %s, want TEST_REPORT", art.Kind())
		}
	}

	e.rc.TestReports = append(e.rc.TestReports, report.JSON())
	e.saveArtifact(fmt.Sprintf("test_report_%d", len(e.rc.TestReports)), report)

	if report.Success {
		e.rc.Phase = PhaseDone
		return nil
	}
	if e.rc.RepairCount < e.cfg.Workflow.MaxRepairs {
		e.rc.Phase = PhaseRepairPatch
	} else {
		e.logger.Warn("Repair budget exhausted (%d)", e.cfg.Workflow.MaxRepairs)
		e.rc.Phase = PhaseFailed
	}
	return nil
}

// runRepairPatch regenerates the patch from the most recent rejection
// signal: a non-approving patch review wins over an older test report. The
// new patch gets its own APPLY entry.
func (e *Engine) runRepairPatch(ctx context.Context) error {
	if e.rc.RepairCount >= e.cfg.Workflow.MaxRepairs {
		e.logger.Warn("Repair budget exhausted (%d)", e.cfg.Workflow.MaxRepairs)
		e.rc.Phase = PhaseFailed
		return nil
	}
	e.rc.RepairCount++

	var user string
	if review := e.rc.PatchReviewVerdict(); review != nil && !review.Approved() {
		e.logger.Info("Repairing from critic rejection")
		user = e.repairFromReviewUser()
	} else {
		e.logger.Info("Repairing from test failure")
		user = e.repairFromTestUser()
	}

	art, err := e.requestKind(ctx, prompts.CoderRepair, user, artifact.KindPatch)
	if err != nil {
		return err
	}
	e.appendPatch(art.(*artifact.Patch), fmt.Sprintf("patch_repair_%d", e.rc.RepairCount))
	e.rc.Phase = PhaseApply
	return nil
}

func (e *Engine) appendPatch(patch *artifact.Patch, name string) {
	e.rc.Patches = append(e.rc.Patches, patch.JSON())
	e.saveArtifact(name, patch)
}

// produceSpecification runs one architect request and type-checks the result.
func (e *Engine) produceSpecification(ctx context.Context, user string) (*artifact.Specification, error) {
	art, err := e.requestKind(ctx, prompts.Architect, user, artifact.KindSpecification)
	if err != nil {
		return nil, err
	}
	return art.(*artifact.Specification), nil
}

func (e *Engine) runReviewSession(ctx context.Context, driver *session.Driver,
	system, user string) (*artifact.Review, error) {

	art, err := driver.Run(ctx, system, user)
	if err != nil {
		return nil, err
	}
	review, ok := art.(*artifact.Review)
	if !ok {
		return nil, fmt.Errorf("%s session returned %s, want REVIEW", driver.Role(), art.Kind())
	}
	return review, nil
}

// requestKind performs a single non-interactive contract request and
// enforces the returned artifact kind.
func (e *Engine) requestKind(ctx context.Context, system, user string, want artifact.Kind) (artifact.Artifact, error) {
	art, err := e.contract.Request(ctx, llm.Request{
		System:      system,
		User:        user,
		Temperature: e.cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, err
	}
	if art.Kind() != want {
		return nil, fmt.Errorf("model returned %s, want %s", art.Kind(), want)
	}
	return art, nil
}

func (e *Engine) saveArtifact(name string, art artifact.Artifact) {
	if err := e.store.SaveArtifact(name, art); err != nil {
		e.logger.Warn("Failed to persist artifact %s: %v", name, err)
	}
}
