package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func strictPolicy() *TenantPolicy {
	return &TenantPolicy{
		TenantID:         "tenant-1",
		EnforcementLevel: EnforcementStrict,
	}
}

func TestPolicyEngine_DefaultMapping(t *testing.T) {
	engine := NewPolicyEngine(zap.NewNop())

	tests := []struct {
		verdict Verdict
		action  Action
	}{
		{VerdictSafe, ActionAllow},
		{VerdictLow, ActionAllow},
		{VerdictMedium, ActionAllowWithWarning},
		{VerdictHigh, ActionQuarantine},
		{VerdictCritical, ActionBlock},
	}
	for _, tt := range tests {
		decision, err := engine.Decide(tt.verdict, strictPolicy(), nil, "user@example.com")
		assert.NoError(t, err)
		assert.Equal(t, tt.action, decision.Action, "verdict %s", tt.verdict)
		assert.True(t, decision.Enforced)
	}
}

func TestPolicyEngine_AdvisoryModeRecordsWithoutEnforcing(t *testing.T) {
	engine := NewPolicyEngine(zap.NewNop())
	policy := &TenantPolicy{
		TenantID:         "tenant-1",
		EnforcementLevel: EnforcementAdvisory,
	}

	decision, err := engine.Decide(VerdictCritical, policy, nil, "user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, ActionBlock, decision.Action)
	assert.False(t, decision.Enforced)
}

func TestPolicyEngine_TenantOverrideWins(t *testing.T) {
	engine := NewPolicyEngine(zap.NewNop())
	policy := strictPolicy()
	policy.ThresholdOverrides = map[Verdict]Action{
		VerdictMedium: ActionQuarantine,
	}

	decision, err := engine.Decide(VerdictMedium, policy, nil, "user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, ActionQuarantine, decision.Action)
	assert.Equal(t, "tenant override", decision.Reason)
}

func TestPolicyEngine_CriticalNeverBelowQuarantine(t *testing.T) {
	engine := NewPolicyEngine(zap.NewNop())
	policy := strictPolicy()
	policy.ThresholdOverrides = map[Verdict]Action{
		VerdictCritical: ActionAllow,
	}

	decision, err := engine.Decide(VerdictCritical, policy, nil, "user@example.com")
	assert.NoError(t, err)
	assert.Equal(t, ActionQuarantine, decision.Action)
	assert.Equal(t, "critical verdict floor", decision.Reason)
}

func TestPolicyEngine_MalformedPolicyFailsClosed(t *testing.T) {
	engine := NewPolicyEngine(zap.NewNop())

	tests := []struct {
		name   string
		policy *TenantPolicy
	}{
		{"nil policy", nil},
		{"unknown enforcement level", &TenantPolicy{EnforcementLevel: "yolo"}},
		{"unknown action in override", &TenantPolicy{
			EnforcementLevel:   EnforcementStrict,
			ThresholdOverrides: map[Verdict]Action{VerdictLow: "delete"},
		}},
		{"unknown verdict in override", &TenantPolicy{
			EnforcementLevel:   EnforcementStrict,
			ThresholdOverrides: map[Verdict]Action{"weird": ActionAllow},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Decide(VerdictSafe, tt.policy, nil, "user@example.com")
			assert.ErrorIs(t, err, ErrPolicyConfig)
			assert.Equal(t, ActionQuarantine, decision.Action)
			assert.True(t, decision.Enforced, "fail-closed decisions are always enforced")
		})
	}
}

func TestPolicyEngine_InternalAllowlistRelaxesLowRiskOnly(t *testing.T) {
	engine := NewPolicyEngine(zap.NewNop())
	policy := strictPolicy()
	policy.InternalDomainAllowlist = []string{"corp.example.com"}

	// Medium from an internal sender is relaxed to allow.
	decision, err := engine.Decide(VerdictMedium, policy, nil, "alice@corp.example.com")
	assert.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)
	assert.Equal(t, "internal domain allowlist", decision.Reason)

	// High and critical never benefit from the allowlist.
	decision, err = engine.Decide(VerdictHigh, policy, nil, "alice@corp.example.com")
	assert.NoError(t, err)
	assert.Equal(t, ActionQuarantine, decision.Action)

	decision, err = engine.Decide(VerdictCritical, policy, nil, "alice@corp.example.com")
	assert.NoError(t, err)
	assert.Equal(t, ActionBlock, decision.Action)
}

func TestPolicyEngine_HighRiskUserEscalation(t *testing.T) {
	engine := NewPolicyEngine(zap.NewNop())

	// Flagged on the user context.
	decision, err := engine.Decide(VerdictMedium, strictPolicy(), &UserContext{
		Email:    "cfo@example.com",
		HighRisk: true,
	}, "sender@example.org")
	assert.NoError(t, err)
	assert.Equal(t, ActionQuarantine, decision.Action)
	assert.Equal(t, "high-risk user escalation", decision.Reason)

	// Flagged on the tenant policy list.
	policy := strictPolicy()
	policy.HighRiskUsers = []string{"cfo@example.com"}
	decision, err = engine.Decide(VerdictLow, policy, &UserContext{Email: "cfo@example.com"}, "sender@example.org")
	assert.NoError(t, err)
	assert.Equal(t, ActionAllowWithWarning, decision.Action)

	// Quarantine and block do not escalate further.
	decision, err = engine.Decide(VerdictCritical, strictPolicy(), &UserContext{HighRisk: true}, "sender@example.org")
	assert.NoError(t, err)
	assert.Equal(t, ActionBlock, decision.Action)
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", DomainOf("user@example.com"))
	assert.Equal(t, "example.com", DomainOf("user@EXAMPLE.COM"))
	assert.Equal(t, "", DomainOf("no-at-sign"))
	assert.Equal(t, "", DomainOf("trailing@"))
	assert.Equal(t, "", DomainOf("a@b@c"))
}
