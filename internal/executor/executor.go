// Package executor drives the corporation in cycles. One cycle walks the
// tiers top-down (executive, vp, director, worker); between tiers every hook
// is refreshed from disk so work delegated upstream is visible downstream
// within the same cycle. Agents within a tier run in parallel.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentcorp/internal/channels"
	"agentcorp/internal/gates"
	"agentcorp/internal/hooks"
	"agentcorp/internal/logging"
	"agentcorp/internal/molecule"
	"agentcorp/internal/org"
	"agentcorp/internal/scheduler"
	"agentcorp/internal/types"

	"golang.org/x/sync/errgroup"
)

// Executor owns the cycle loop.
type Executor struct {
	registry *org.Registry
	hooks    *hooks.Manager
	chans    *channels.Manager
	engine   *molecule.Engine
	gates    *gates.Manager
	sched    *scheduler.Scheduler
	llm      types.LLMBackend
	timeout  time.Duration
}

// New wires an executor. llm may be nil; agents then complete items with
// their instruction echoed back, which keeps cycles useful in dry runs and
// tests.
func New(registry *org.Registry, hookMgr *hooks.Manager, chanMgr *channels.Manager,
	engine *molecule.Engine, gateMgr *gates.Manager, sched *scheduler.Scheduler,
	llm types.LLMBackend, llmTimeout time.Duration) *Executor {
	if llmTimeout <= 0 {
		llmTimeout = 10 * time.Minute
	}
	return &Executor{
		registry: registry,
		hooks:    hookMgr,
		chans:    chanMgr,
		engine:   engine,
		gates:    gateMgr,
		sched:    sched,
		llm:      llm,
		timeout:  llmTimeout,
	}
}

// RunCycle executes one top-down pass: stale reclaim, then each tier with a
// hook refresh before the next, then a rebalance and a continuous-molecule
// advance.
func (e *Executor) RunCycle(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryExecutor, "cycle")
	defer timer.Stop()

	if err := e.reclaimStale(); err != nil {
		logging.Get(logging.CategoryExecutor).Error("stale reclaim: %v", err)
	}

	for _, tier := range types.TierOrder {
		agents := e.agentsAtTier(tier)
		if len(agents) == 0 {
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, a := range agents {
			agent := a
			g.Go(func() error { return e.runAgent(gctx, agent) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("tier %s: %w", tier, err)
		}
		// Coherence point: the next tier must observe this tier's
		// delegations.
		if err := e.hooks.RefreshAll(); err != nil {
			return err
		}
	}

	e.sched.Rebalance()
	e.advanceContinuous()
	return ctx.Err()
}

// RunContinuous repeats RunCycle at a fixed interval until ctx is cancelled.
func (e *Executor) RunContinuous(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Executor("continuous run started, interval %s", interval)
	for {
		if err := e.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Get(logging.CategoryExecutor).Error("cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logging.Executor("continuous run stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) agentsAtTier(tier types.Tier) []*org.Agent {
	var out []*org.Agent
	for _, a := range e.registry.List() {
		if a.Tier == tier {
			out = append(out, a)
		}
	}
	return out
}

// reclaimStale pulls timed-out items off crashed owners' hooks and hands them
// back to the scheduler for reassignment.
func (e *Executor) reclaimStale() error {
	reclaimed, err := e.hooks.ReclaimStale(time.Now().UTC())
	if err != nil {
		return err
	}
	for _, r := range reclaimed {
		item, err := e.hooks.TakeQueued(r.OwnerID, r.ItemID)
		if err != nil {
			continue
		}
		if item.MoleculeID != "" {
			if err := e.engine.ResetStep(item.MoleculeID, item.StepID); err != nil && !errors.Is(err, types.ErrNotFound) {
				logging.Get(logging.CategoryExecutor).Error("reset of reclaimed step %s: %v", item.StepID, err)
			}
		}
		if _, err := e.sched.Schedule(item, item.RequiredCapabilities, ""); err != nil {
			logging.Get(logging.CategoryExecutor).Error("reassign of reclaimed item %s: %v", item.ID, err)
		}
	}
	return nil
}

// runAgent is one agent's turn within a cycle: heartbeat, drain the inbox,
// claim at most one item, execute it.
func (e *Executor) runAgent(ctx context.Context, a *org.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.hooks.Heartbeat(a.ID, time.Now().UTC()); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}

	for _, msg := range e.chans.Inbox(a.ID) {
		if err := e.chans.MarkDelivered(msg.ID); err != nil {
			return err
		}
		if err := e.chans.MarkRead(msg.ID); err != nil {
			return err
		}
		logging.ExecutorDebug("%s read message %s from %s: %s", a.ID, msg.ID, msg.Sender, msg.Subject)
	}

	item, err := e.hooks.Claim(a.ID)
	if err != nil {
		if errors.Is(err, types.ErrClaimConflict) || errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if item == nil {
		return nil
	}
	return e.executeItem(ctx, a, item)
}

func (e *Executor) executeItem(ctx context.Context, a *org.Agent, item *hooks.WorkItem) error {
	var step *molecule.Step
	if item.MoleculeID != "" {
		if m, err := e.engine.Get(item.MoleculeID); err == nil {
			step = m.StepByID(item.StepID)
		}
	}
	if step != nil {
		if err := e.engine.BeginStep(item.MoleculeID, item.StepID, a.ID); err != nil {
			logging.ExecutorDebug("begin step %s: %v", item.StepID, err)
		}
	}

	result, cost, err := e.performWork(ctx, a, item, step)

	if ctx.Err() != nil {
		// Cancellation unwinds without a retry penalty.
		if relErr := e.hooks.Release(a.ID, item.ID); relErr != nil {
			logging.Get(logging.CategoryExecutor).Error("release of %s: %v", item.ID, relErr)
		}
		if step != nil {
			if resetErr := e.engine.ResetStep(item.MoleculeID, item.StepID); resetErr != nil {
				logging.Get(logging.CategoryExecutor).Error("reset of %s: %v", item.StepID, resetErr)
			}
		}
		return ctx.Err()
	}

	if err != nil {
		retryable := types.Retryable(err)
		requeued, failErr := e.hooks.Fail(a.ID, item.ID, err.Error(), retryable)
		if failErr != nil {
			return failErr
		}
		if step != nil {
			if requeued {
				if resetErr := e.engine.ResetStep(item.MoleculeID, item.StepID); resetErr != nil {
					logging.Get(logging.CategoryExecutor).Error("reset of %s: %v", item.StepID, resetErr)
				}
			} else if failStepErr := e.engine.FailStep(item.MoleculeID, item.StepID, err.Error(), string(classifyFailure(err))); failStepErr != nil {
				logging.Get(logging.CategoryExecutor).Error("fail step %s: %v", item.StepID, failStepErr)
			}
		}
		return nil
	}

	if err := e.hooks.Complete(a.ID, item.ID, result); err != nil {
		return err
	}

	if step == nil {
		return nil
	}
	if step.IsGate {
		// Gated steps complete only through their gate; submit the result
		// as the artifact and let evaluation or a human decide.
		if _, subErr := e.gates.Submit(step.GateID, item.MoleculeID, item.StepID, a.ID,
			map[string]string{"result": result}); subErr != nil {
			logging.Get(logging.CategoryExecutor).Error("gate submission for step %s: %v", item.StepID, subErr)
		}
		return nil
	}
	if err := e.engine.CompleteStep(item.MoleculeID, item.StepID, result, cost); err != nil {
		logging.Get(logging.CategoryExecutor).Error("complete step %s: %v", item.StepID, err)
	}
	return nil
}

// performWork runs the item through the LLM backend. Prior failure beads ride
// along in the prompt so retries see what went wrong.
func (e *Executor) performWork(ctx context.Context, a *org.Agent, item *hooks.WorkItem, step *molecule.Step) (string, float64, error) {
	if e.llm == nil {
		return fmt.Sprintf("completed: %s", item.Instruction), item.EstimatedCost, nil
	}

	prompt := fmt.Sprintf("You are %s (%s, tier %s).\nTask: %s", a.ID, a.Role, a.Tier, item.Instruction)
	if step != nil && len(step.Checkpoints) > 0 {
		prompt += "\nPrior attempts and progress:"
		for _, cp := range step.Checkpoints {
			prompt += "\n- " + cp.Description
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.llm.Execute(callCtx, prompt, nil, "")
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", 0, fmt.Errorf("%w: llm call for item %s", types.ErrDeadlineExceeded, item.ID)
		}
		return "", 0, err
	}
	return res.Content, res.Cost, nil
}

func classifyFailure(err error) types.FailureType {
	switch {
	case errors.Is(err, types.ErrDeadlineExceeded):
		return types.FailureTimeout
	case errors.Is(err, types.ErrCostCapExceeded):
		return types.FailureCostOverrun
	case errors.Is(err, types.ErrCapabilityMismatch):
		return types.FailureCapabilityMismatch
	case errors.Is(err, types.ErrStorage):
		return types.FailureExternalDependency
	default:
		return types.FailureLogicError
	}
}

// advanceContinuous nudges continuous molecules whose iteration interval has
// elapsed.
func (e *Executor) advanceContinuous() {
	for _, m := range e.engine.List(molecule.StatusActive) {
		if m.Type != molecule.TypeContinuous {
			continue
		}
		if err := e.engine.Advance(m.ID); err != nil {
			logging.Get(logging.CategoryExecutor).Error("advance of %s: %v", m.ID, err)
		}
	}
}
