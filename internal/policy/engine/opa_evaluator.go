package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const decisionQuery = "data.campus_auth.login.decision"

// DefaultRegoPolicy maps risk to a decision. Rules are mutually exclusive per value.
const DefaultRegoPolicy = `package campus_auth.login

default decision := "allow"

decision := "block" if input.risk_score > 80

decision := "challenge" if {
	input.risk_score >= 50
	input.risk_score <= 80
}

decision := "notify" if {
	input.risk_score > 0
	input.risk_score < 50
}

decision := "notify" if {
	input.risk_score == 0
	not input.trusted
}
`

// OPAEvaluator evaluates the login policy with OPA Rego. Evaluation errors fall back to Fallback.
type OPAEvaluator struct {
	compiler *ast.Compiler
}

// NewOPAEvaluator compiles module, or DefaultRegoPolicy when module is empty.
// A custom module must define data.campus_auth.login.decision.
func NewOPAEvaluator(module string) (*OPAEvaluator, error) {
	if module == "" {
		module = DefaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"login.rego": module})
	if err != nil {
		return nil, fmt.Errorf("policy: compile: %w", err)
	}
	return &OPAEvaluator{compiler: compiler}, nil
}

// HealthCheck evaluates a minimal input against the compiled policy.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	if _, err := e.eval(ctx, LoginInput{Trusted: true}); err != nil {
		return fmt.Errorf("eval policy: %w", err)
	}
	return nil
}

// EvaluateLogin returns the policy decision for in. On evaluation failure it logs and applies the
// default thresholds.
func (e *OPAEvaluator) EvaluateLogin(ctx context.Context, in LoginInput) (Decision, error) {
	d, err := e.eval(ctx, in)
	if err != nil {
		log.Printf("policy: evaluation failed: %v, using defaults", err)
		return Fallback(in), nil
	}
	return d, nil
}

func (e *OPAEvaluator) eval(ctx context.Context, in LoginInput) (Decision, error) {
	input := map[string]interface{}{
		"risk_score":  in.RiskScore,
		"first_login": in.FirstLogin,
		"trusted":     in.Trusted,
	}
	rs, err := rego.New(
		rego.Query(decisionQuery),
		rego.Compiler(e.compiler),
		rego.Input(input),
	).Eval(ctx)
	if err != nil {
		return "", err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", fmt.Errorf("policy query returned no result")
	}
	s, ok := rs[0].Expressions[0].Value.(string)
	if !ok || !Decision(s).Valid() {
		return "", fmt.Errorf("policy returned unexpected decision %v", rs[0].Expressions[0].Value)
	}
	return Decision(s), nil
}
