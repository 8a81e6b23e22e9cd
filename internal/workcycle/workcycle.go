// Package workcycle defines the plan, schedule and execute collaborators
// driven by the runtime loop, plus a minimal default implementation.
package workcycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Plan is the output of a Planner.
type Plan struct {
	CreatedAt time.Time `json:"created_at"`
	Summary   string    `json:"summary"`
}

// Task is a plan selected by a Scheduler.
type Task struct {
	Plan     Plan `json:"plan"`
	Priority int  `json:"priority"`
}

// Execution summarises what a Runner did with a plan.
type Execution struct {
	CompletedAt time.Time `json:"completed_at"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail"`
}

// Planner produces the plan for one iteration.
type Planner interface {
	Plan(ctx context.Context) (Plan, error)
}

// Scheduler assigns a priority to a plan.
type Scheduler interface {
	Schedule(ctx context.Context, p Plan) (Task, error)
}

// Runner carries out a plan and reports how it went.
type Runner interface {
	Execute(ctx context.Context, p Plan) (Execution, error)
}

// Cycle bundles the three collaborators of one loop iteration.
type Cycle struct {
	Planner   Planner
	Scheduler Scheduler
	Runner    Runner
}

// Outcome holds the three outputs of one iteration.
type Outcome struct {
	Plan      Plan
	Task      Task
	Execution Execution
}

// Iterate runs plan, then schedule, then execute.
func (c Cycle) Iterate(ctx context.Context) (Outcome, error) {
	var out Outcome
	p, err := c.Planner.Plan(ctx)
	if err != nil {
		return out, fmt.Errorf("plan: %w", err)
	}
	out.Plan = p
	t, err := c.Scheduler.Schedule(ctx, p)
	if err != nil {
		return out, fmt.Errorf("schedule: %w", err)
	}
	out.Task = t
	ex, err := c.Runner.Execute(ctx, p)
	if err != nil {
		return out, fmt.Errorf("execute: %w", err)
	}
	out.Execution = ex
	return out, nil
}

// DefaultSummary is the summary produced by the default planner.
const DefaultSummary = "minimal plan: keep monitoring state and preparing log storage"

// Default returns the placeholder cycle used when no other collaborator
// is embedded: a fixed plan, priority 0 and a "noop" execution.
func Default() Cycle {
	return Cycle{Planner: minimalPlanner{}, Scheduler: fifoScheduler{}, Runner: noopRunner{}}
}

type minimalPlanner struct{}

func (minimalPlanner) Plan(context.Context) (Plan, error) {
	return Plan{CreatedAt: time.Now().UTC(), Summary: DefaultSummary}, nil
}

type fifoScheduler struct{}

func (fifoScheduler) Schedule(_ context.Context, p Plan) (Task, error) {
	return Task{Plan: p, Priority: 0}, nil
}

type noopRunner struct{}

func (noopRunner) Execute(_ context.Context, p Plan) (Execution, error) {
	slog.Debug("Executing plan", "summary", p.Summary)
	return Execution{CompletedAt: time.Now().UTC(), Status: "noop", Detail: "no actions implemented yet"}, nil
}
