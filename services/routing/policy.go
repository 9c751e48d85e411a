package routing

import (
	"fmt"

	"github.com/halbert/dispatch/services/handoff"
	"github.com/halbert/dispatch/services/policy"
)

// TaskType classifies a request for routing purposes.
type TaskType string

const (
	TaskChat           TaskType = "chat"
	TaskCodeGeneration TaskType = "code_generation"
	TaskCodeAnalysis   TaskType = "code_analysis"
	TaskSystemCommand  TaskType = "system_command"
	TaskReasoning      TaskType = "reasoning"
	TaskQuickQuery     TaskType = "quick_query"
)

// ParseTaskType converts s to a TaskType. An empty string means chat.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case "":
		return TaskChat, nil
	case TaskChat, TaskCodeGeneration, TaskCodeAnalysis, TaskSystemCommand, TaskReasoning, TaskQuickQuery:
		return t, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Strategy defines how requests are split between the two backends
type Strategy string

const (
	// StrategyOrchestratorOnly sends everything to the orchestrator
	StrategyOrchestratorOnly Strategy = "orchestrator_only"

	// StrategySpecialistPreferred sends everything to the specialist when enabled
	StrategySpecialistPreferred Strategy = "specialist_preferred"

	// StrategyAuto decides per request from task type and prompt complexity
	StrategyAuto Strategy = "auto"
)

// BackendRef identifies one model on one backend. An empty Endpoint means
// the provider default. Comparable with ==.
type BackendRef struct {
	ModelID  string `json:"model_id" validate:"required"`
	Provider string `json:"provider" validate:"required"`
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`
}

func (r BackendRef) String() string {
	if r.Endpoint == "" {
		return r.Provider + "/" + r.ModelID
	}
	return r.Provider + "/" + r.ModelID + "@" + r.Endpoint
}

// Task is one routable request.
type Task struct {
	Prompt           string   `json:"prompt" validate:"required"`
	Type             TaskType `json:"task_type,omitempty" validate:"omitempty,oneof=chat code_generation code_analysis system_command reasoning quick_query"`
	PreferSpecialist bool     `json:"prefer_specialist,omitempty"`
}

// Policy is an immutable routing snapshot. Never modify a Policy after it
// has been handed to a router; build a new one with clone.
type Policy struct {
	Orchestrator        BackendRef
	Specialist          BackendRef
	SpecialistEnabled   bool
	Strategy            Strategy
	PreferSpecialistFor []TaskType
	ComplexityThreshold float64
	HandoffStrategy     handoff.Strategy
	MaxContextTokens    int
	StrictBudget        bool
}

// PolicyFromDocument builds a snapshot from a validated document.
func PolicyFromDocument(d *policy.Document) *Policy {
	p := &Policy{
		Orchestrator: BackendRef{
			ModelID:  d.Orchestrator.Model,
			Provider: d.Orchestrator.Provider,
			Endpoint: d.Orchestrator.Endpoint,
		},
		Specialist: BackendRef{
			ModelID:  d.Specialist.Model,
			Provider: d.Specialist.Provider,
			Endpoint: d.Specialist.Endpoint,
		},
		SpecialistEnabled:   d.Specialist.Enabled,
		Strategy:            Strategy(d.Routing.Strategy),
		ComplexityThreshold: d.Routing.ComplexityThreshold,
		HandoffStrategy:     handoff.Strategy(d.Handoff.Strategy),
		MaxContextTokens:    d.Handoff.MaxContextTokens,
		StrictBudget:        d.Handoff.StrictBudget,
	}
	for _, t := range d.Routing.PreferSpecialistFor {
		p.PreferSpecialistFor = append(p.PreferSpecialistFor, TaskType(t))
	}
	return p
}

// Document converts p back to its on-disk form.
func (p *Policy) Document() *policy.Document {
	d := &policy.Document{
		Orchestrator: policy.Orchestrator{
			Model:    p.Orchestrator.ModelID,
			Provider: p.Orchestrator.Provider,
			Endpoint: p.Orchestrator.Endpoint,
		},
		Specialist: policy.Specialist{
			Enabled:  p.SpecialistEnabled,
			Model:    p.Specialist.ModelID,
			Provider: p.Specialist.Provider,
			Endpoint: p.Specialist.Endpoint,
		},
		Routing: policy.Routing{
			Strategy:            string(p.Strategy),
			ComplexityThreshold: p.ComplexityThreshold,
		},
		Handoff: policy.Handoff{
			Strategy:         string(p.HandoffStrategy),
			MaxContextTokens: p.MaxContextTokens,
			StrictBudget:     p.StrictBudget,
		},
	}
	d.Routing.PreferSpecialistFor = make([]string, 0, len(p.PreferSpecialistFor))
	for _, t := range p.PreferSpecialistFor {
		d.Routing.PreferSpecialistFor = append(d.Routing.PreferSpecialistFor, string(t))
	}
	return d
}

func (p *Policy) clone() *Policy {
	out := *p
	out.PreferSpecialistFor = append([]TaskType(nil), p.PreferSpecialistFor...)
	return &out
}

func (p *Policy) prefersSpecialist(t TaskType) bool {
	for _, pt := range p.PreferSpecialistFor {
		if pt == t {
			return true
		}
	}
	return false
}

// specialistAvailable is false whenever the specialist cannot serve, which
// reduces every strategy to orchestrator_only.
func (p *Policy) specialistAvailable() bool {
	return p.SpecialistEnabled && p.Specialist.ModelID != ""
}
