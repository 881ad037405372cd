package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apphub/catalog/internal/expression"
	"github.com/apphub/catalog/pkg/catalog"
)

// collectionEvaluator evaluates a FanOut step's collection expression.
// Package-level: the program cache is keyed by expression text, not by
// step or run, so it's safe and useful to share across every Executor.
var collectionEvaluator = expression.New()

// fanoutChildResult is one expanded child's outcome.
type fanoutChildResult struct {
	index  int
	output []byte
	err    error
}

// executeFanOut expands a FanOut step's collection into child step attempts
// of its Template, runs them bounded by MaxConcurrency, and aggregates their
// outputs into an array stored under StoreResultsAs.
func (e *Executor) executeFanOut(ctx context.Context, def *catalog.WorkflowDefinition, stepCtx *StepContext) ([]byte, error, catalog.FailureCategory) {
	step := stepCtx.Step
	if step.Template == nil {
		return nil, fmt.Errorf("fanout step %s has no template", step.ID), catalog.FailureValidation
	}
	if step.Template.Kind == catalog.StepKindFanOut {
		return nil, fmt.Errorf("fanout step %s templates another fanout, which is not supported", step.ID), catalog.FailureValidation
	}

	env, err := e.fanoutEnv(ctx, stepCtx)
	if err != nil {
		return nil, err, catalog.FailureValidation
	}

	items, err := collectionEvaluator.EvalSlice(step.Collection, env)
	if err != nil {
		return nil, err, catalog.FailureValidation
	}

	if step.MaxItems > 0 && len(items) > step.MaxItems {
		if stepCtx.Log != nil {
			stepCtx.Log("warn", fmt.Sprintf("fanout collection had %d items, clipping to maxItems=%d", len(items), step.MaxItems))
		}
		items = items[:step.MaxItems]
	}
	if len(items) == 0 {
		return wrapResults(step.StoreResultsAs, nil), nil, ""
	}

	concurrency := step.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	children := make([]*catalog.WorkflowRunStep, len(items))
	for i, item := range items {
		input, marshalErr := json.Marshal(map[string]interface{}{"item": item, "index": i})
		if marshalErr != nil {
			return nil, fmt.Errorf("marshal fanout item %d: %w", i, marshalErr), catalog.FailureValidation
		}
		idx := i
		child := &catalog.WorkflowRunStep{
			ID:             fmt.Sprintf("%s-fanout-%d", stepCtx.RunStep.ID, i),
			WorkflowRunID:  stepCtx.Run.ID,
			StepID:         step.Template.ID,
			TemplateStepID: step.Template.ID,
			ParentStepID:   stepCtx.RunStep.ID,
			FanoutIndex:    &idx,
			Status:         catalog.StepRunning,
			Attempt:        1,
			Input:          input,
		}
		if err := e.store.CreateStep(ctx, child); err != nil {
			return nil, fmt.Errorf("create fanout child %d: %w", i, err), catalog.FailureHandlerError
		}
		children[i] = child
	}

	_ = e.history.RecordHistory(ctx, stepCtx.Run.ID, stepCtx.RunStep.ID, step.ID, catalog.EventFanoutExpanded, map[string]int{"count": len(children)})

	results := make([]fanoutChildResult, len(children))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, child *catalog.WorkflowRunStep) {
			defer wg.Done()
			defer func() { <-sem }()
			output, childErr := e.executeFanoutChild(ctx, step.Template, stepCtx, child)
			results[i] = fanoutChildResult{index: i, output: output, err: childErr}
		}(i, child)
	}
	wg.Wait()

	outputs := make([]json.RawMessage, len(results))
	var firstErr error
	var failedCategory catalog.FailureCategory
	for _, res := range results {
		now := time.Now().UTC()
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				failedCategory = classifyJobError(ctx, res.err)
			}
			_ = e.store.TransitionStep(ctx, children[res.index].ID, catalog.StepFailed, 1, res.err.Error(), nil, now)
			continue
		}
		_ = e.store.TransitionStep(ctx, children[res.index].ID, catalog.StepSucceeded, 1, "", res.output, now)
		if len(res.output) == 0 {
			outputs[res.index] = json.RawMessage("null")
		} else {
			outputs[res.index] = res.output
		}
	}

	if firstErr != nil {
		return nil, fmt.Errorf("fanout step %s: %d/%d children failed: %w", step.ID, countFailed(results), len(results), firstErr), failedCategory
	}

	combined, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("marshal fanout results: %w", err), catalog.FailureHandlerError
	}
	return wrapResults(step.StoreResultsAs, combined), nil, ""
}

// executeFanoutChild runs one expanded child attempt using the same
// job/service dispatch the top-level step kinds use, with a child-specific
// StepContext carrying the item's input instead of the parent's.
func (e *Executor) executeFanoutChild(ctx context.Context, template *catalog.Step, parentCtx *StepContext, child *catalog.WorkflowRunStep) ([]byte, error) {
	childCtx := &StepContext{
		Run:          parentCtx.Run,
		Step:         template,
		RunStep:      child,
		AttemptToken: attemptToken(parentCtx.Run.ID, child.ID, 1),
		Parameters:   parentCtx.Parameters,
		Context:      child.Input,
		Heartbeat:    parentCtx.Heartbeat,
		Log:          parentCtx.Log,
		ProduceAsset: parentCtx.ProduceAsset,
	}

	var (
		output []byte
		err    error
	)
	switch template.Kind {
	case catalog.StepKindJob:
		output, err, _ = e.executeJob(ctx, childCtx)
	case catalog.StepKindService:
		output, err, _ = e.executeService(ctx, childCtx)
	default:
		err = fmt.Errorf("fanout template %s has unsupported kind %q", template.ID, template.Kind)
	}
	return output, err
}

// fanoutEnv builds the expr evaluation environment a collection expression
// runs against: the run's parameters and context, plus its sibling steps'
// outputs keyed by stepId.
func (e *Executor) fanoutEnv(ctx context.Context, stepCtx *StepContext) (map[string]interface{}, error) {
	var parameters interface{}
	if len(stepCtx.Parameters) > 0 {
		if err := json.Unmarshal(stepCtx.Parameters, &parameters); err != nil {
			return nil, fmt.Errorf("decode run parameters: %w", err)
		}
	}
	var runContext interface{}
	if len(stepCtx.Context) > 0 {
		if err := json.Unmarshal(stepCtx.Context, &runContext); err != nil {
			return nil, fmt.Errorf("decode run context: %w", err)
		}
	}

	siblingSteps, err := e.store.ListStepsForRun(ctx, stepCtx.Run.ID)
	if err != nil {
		return nil, fmt.Errorf("list sibling steps: %w", err)
	}
	steps := make(map[string]interface{}, len(siblingSteps))
	for _, s := range siblingSteps {
		if s.Status != catalog.StepSucceeded || len(s.Output) == 0 {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(s.Output, &decoded); err != nil {
			continue
		}
		steps[s.StepID] = decoded
	}

	return map[string]interface{}{
		"parameters": parameters,
		"context":    runContext,
		"steps":      steps,
	}, nil
}

func wrapResults(name string, results json.RawMessage) []byte {
	if len(results) == 0 {
		results = json.RawMessage("[]")
	}
	if name == "" {
		return results
	}
	return []byte(fmt.Sprintf(`{%q:%s}`, name, results))
}

func countFailed(results []fanoutChildResult) int {
	n := 0
	for _, r := range results {
		if r.err != nil {
			n++
		}
	}
	return n
}
