package core

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/allowlist"
)

// defaultActions is the global verdict→action mapping applied when a
// tenant has no override for a verdict.
var defaultActions = map[Verdict]Action{
	VerdictSafe:     ActionAllow,
	VerdictLow:      ActionAllow,
	VerdictMedium:   ActionAllowWithWarning,
	VerdictHigh:     ActionQuarantine,
	VerdictCritical: ActionBlock,
}

var validActions = map[Action]bool{
	ActionAllow:            true,
	ActionAllowWithWarning: true,
	ActionQuarantine:       true,
	ActionBlock:            true,
}

// PolicyEngine maps (verdict, tenant policy, user context) to an action.
// Decisions are pure mappings; tenant overrides win over the global table
// but can never downgrade a critical verdict below quarantine.
type PolicyEngine struct {
	logger *zap.Logger
}

// NewPolicyEngine creates a policy engine.
func NewPolicyEngine(logger *zap.Logger) *PolicyEngine {
	return &PolicyEngine{logger: logger}
}

// Decide resolves the action for a verdict under a tenant policy. A
// malformed policy fails closed: the returned error wraps ErrPolicyConfig
// and the decision is an enforced quarantine, never allow.
func (e *PolicyEngine) Decide(verdict Verdict, policy *TenantPolicy, user *UserContext, sender string) (*Decision, error) {
	if err := validatePolicy(policy); err != nil {
		if e.logger != nil {
			e.logger.Error("Malformed tenant policy, failing closed",
				zap.String("tenant", tenantID(policy)),
				zap.Error(err))
		}
		return &Decision{
			Action:   ActionQuarantine,
			Enforced: true,
			Reason:   "policy configuration error, failing closed",
		}, err
	}

	action := defaultActions[verdict]
	reason := "global default"

	if override, ok := policy.ThresholdOverrides[verdict]; ok {
		action = override
		reason = "tenant override"
	}

	// Internal senders may be relaxed, but only below high risk. Zero
	// trust: an allowlisted domain is still quarantined when the score
	// says high or critical.
	if !verdict.AtLeast(VerdictHigh) && sender != "" {
		internal := allowlist.NewChecker(policy.InternalDomainAllowlist, nil)
		if internal.Contains(sender) && stricter(action, ActionAllow) {
			action = ActionAllow
			reason = "internal domain allowlist"
		}
	}

	// High-risk users get one step stricter handling.
	if user != nil && (user.HighRisk || containsUser(policy.HighRiskUsers, user.Email)) {
		if escalated := escalate(action); escalated != action {
			action = escalated
			reason = "high-risk user escalation"
		}
	}

	// Critical never lands below quarantine, whatever the overrides said.
	if verdict == VerdictCritical && !actionAtLeast(action, ActionQuarantine) {
		action = ActionQuarantine
		reason = "critical verdict floor"
	}

	return &Decision{
		Action:   action,
		Enforced: policy.EnforcementLevel == EnforcementStrict,
		Reason:   reason,
	}, nil
}

func validatePolicy(policy *TenantPolicy) error {
	if policy == nil {
		return fmt.Errorf("%w: nil policy", ErrPolicyConfig)
	}
	switch policy.EnforcementLevel {
	case EnforcementAdvisory, EnforcementStrict:
	default:
		return fmt.Errorf("%w: unknown enforcement level %q", ErrPolicyConfig, policy.EnforcementLevel)
	}
	for verdict, action := range policy.ThresholdOverrides {
		if _, ok := verdictRank[verdict]; !ok {
			return fmt.Errorf("%w: unknown verdict %q in overrides", ErrPolicyConfig, verdict)
		}
		if !validActions[action] {
			return fmt.Errorf("%w: unknown action %q for verdict %q", ErrPolicyConfig, action, verdict)
		}
	}
	return nil
}

// actionSeverity orders actions from most permissive to most restrictive.
var actionSeverity = map[Action]int{
	ActionAllow:            0,
	ActionAllowWithWarning: 1,
	ActionQuarantine:       2,
	ActionBlock:            3,
}

func actionAtLeast(a, floor Action) bool {
	return actionSeverity[a] >= actionSeverity[floor]
}

func stricter(a, than Action) bool {
	return actionSeverity[a] > actionSeverity[than]
}

func escalate(a Action) Action {
	switch a {
	case ActionAllow:
		return ActionAllowWithWarning
	case ActionAllowWithWarning:
		return ActionQuarantine
	default:
		return a
	}
}

func containsUser(users []string, email string) bool {
	for _, u := range users {
		if u == email {
			return true
		}
	}
	return false
}

func tenantID(policy *TenantPolicy) string {
	if policy == nil {
		return ""
	}
	return policy.TenantID
}

// DefaultTenantPolicy returns the strict baseline applied when a tenant
// has no stored policy.
func DefaultTenantPolicy() *TenantPolicy {
	return &TenantPolicy{
		EnforcementLevel: EnforcementStrict,
	}
}
