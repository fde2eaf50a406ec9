package engine

import "context"

// Decision is the outcome of the login policy for a freshly created session.
type Decision string

const (
	// DecisionAllow issues tokens with no follow-up.
	DecisionAllow Decision = "allow"
	// DecisionNotify issues tokens and sends an approve_device link.
	DecisionNotify Decision = "notify"
	// DecisionChallenge issues tokens, keeps the session untrusted and sends approve and revoke links.
	DecisionChallenge Decision = "challenge"
	// DecisionBlock revokes the new session and rejects the login.
	DecisionBlock Decision = "block"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionNotify, DecisionChallenge, DecisionBlock:
		return true
	}
	return false
}

// Thresholds of the default policy.
const (
	BlockAbove    = 80
	ChallengeFrom = 50
)

// LoginInput is what the login policy sees.
type LoginInput struct {
	RiskScore  int
	FirstLogin bool
	Trusted    bool
}

// Evaluator decides what happens after a login created a session.
type Evaluator interface {
	EvaluateLogin(ctx context.Context, in LoginInput) (Decision, error)
}

// Fallback applies the default thresholds without a policy engine.
func Fallback(in LoginInput) Decision {
	switch {
	case in.RiskScore > BlockAbove:
		return DecisionBlock
	case in.RiskScore >= ChallengeFrom:
		return DecisionChallenge
	case in.RiskScore > 0 || !in.Trusted:
		return DecisionNotify
	default:
		return DecisionAllow
	}
}
