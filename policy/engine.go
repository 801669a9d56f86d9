// Package policy evaluates session access rules with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/supportdesk/internal/domain"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allow  bool
	Reason string
}

// Input is the document the policy is evaluated against.
type Input struct {
	Action    domain.Action   `json:"action"`
	Principal domain.Principal `json:"principal"`
	Session   SessionRef       `json:"session"`
}

// SessionRef carries the session participants the rules look at.
type SessionRef struct {
	CustomerID string `json:"customer_id"`
	BusinessID string `json:"business_id"`
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.session_access.decision"),
		rego.Module("session_access.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine creates an engine loaded with DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate checks whether the principal may perform the action on the session.
// A policy that yields no decision denies.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	doc := map[string]any{
		"action": string(input.Action),
		"principal": map[string]any{
			"id":   input.Principal.ID,
			"role": string(input.Principal.Role),
		},
		"session": map[string]any{
			"customer_id": input.Session.CustomerID,
			"business_id": input.Session.BusinessID,
		},
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, Reason: "no decision"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{Allow: false, Reason: "unexpected return type"}, nil
	}
	allow, _ := obj["allow"].(bool)
	reason, _ := obj["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// Authorize is Evaluate folded into an error: domain.ErrForbidden on deny.
func (e *Engine) Authorize(ctx context.Context, action domain.Action, p domain.Principal, s SessionRef) error {
	d, err := e.Evaluate(ctx, Input{Action: action, Principal: p, Session: s})
	if err != nil {
		return domain.Wrap(domain.ErrInternal, err)
	}
	if !d.Allow {
		return domain.ErrForbidden
	}
	return nil
}

// DefaultPolicy is the default session access policy.
//
// create: the customer opening the session, or an admin.
// append, history: either participant, or an admin.
// close: the business of the session, or an admin.
const DefaultPolicy = `
package session_access

import rego.v1

default decision := {"allow": false, "reason": "not permitted"}

is_admin if input.principal.role == "admin"

is_customer if {
	input.principal.role == "customer"
	input.principal.id == input.session.customer_id
}

is_business if {
	input.principal.role == "business"
	input.principal.id == input.session.business_id
}

participant if is_customer

participant if is_business

allowed if is_admin

allowed if {
	input.action == "create"
	input.principal.id == input.session.customer_id
}

allowed if {
	input.action in {"append", "history"}
	participant
}

allowed if {
	input.action == "close"
	is_business
}

decision := {"allow": true, "reason": "permitted"} if allowed
`
