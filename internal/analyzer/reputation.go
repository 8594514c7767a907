package analyzer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailsentry/internal/core"
)

// DomainLookup resolves a domain's upstream reputation. The default
// implementation uses DNS presence heuristics; deployments plug in their
// threat-intel provider here. The contract each provider must satisfy is
// the function signature, not a specific vendor.
type DomainLookup func(ctx context.Context, domain string) (*core.ReputationEntry, error)

// ReputationAnalyzer checks sender domain and IP reputation, disposable
// addresses and typosquats of trusted domains. All upstream lookups go
// through the shared reputation cache with single-flight get-or-populate
// semantics.
type ReputationAnalyzer struct {
	cache          core.ReputationCache
	lookup         DomainLookup
	trustedDomains []string
	cacheTTL       time.Duration
	logger         *zap.Logger
}

// NewReputationAnalyzer creates the reputation checker. A nil lookup
// falls back to DNS-based heuristics.
func NewReputationAnalyzer(
	cache core.ReputationCache,
	lookup DomainLookup,
	trustedDomains []string,
	cacheTTL time.Duration,
	logger *zap.Logger,
) *ReputationAnalyzer {
	a := &ReputationAnalyzer{
		cache:          cache,
		lookup:         lookup,
		trustedDomains: trustedDomains,
		cacheTTL:       cacheTTL,
		logger:         logger,
	}
	if a.lookup == nil {
		a.lookup = a.dnsLookup
	}
	return a
}

// Name returns the fixed analyzer name.
func (a *ReputationAnalyzer) Name() string {
	return core.AnalyzerReputation
}

// disposableDomains are throwaway address providers commonly used for
// one-shot phishing campaigns.
var disposableDomains = map[string]bool{
	"mailinator.com":    true,
	"guerrillamail.com": true,
	"10minutemail.com":  true,
	"tempmail.com":      true,
	"throwawaymail.com": true,
	"yopmail.com":       true,
	"sharklasers.com":   true,
}

// Analyze scores the sender's domain reputation.
func (a *ReputationAnalyzer) Analyze(ctx context.Context, msg *core.Message) *core.AnalyzerResult {
	domain := msg.SenderDomain()
	if domain == "" {
		return &core.AnalyzerResult{
			Analyzer:   core.AnalyzerReputation,
			Score:      0.8,
			Confidence: 0.9,
			Status:     core.StatusOK,
			Details:    map[string]string{"reason": "malformed sender address"},
		}
	}

	details := map[string]string{"domain": domain}

	if disposableDomains[domain] {
		details["reason"] = "disposable address provider"
		return &core.AnalyzerResult{
			Analyzer:   core.AnalyzerReputation,
			Score:      0.8,
			Confidence: 0.95,
			Status:     core.StatusOK,
			Details:    details,
		}
	}

	if target, ok := a.typosquatOf(domain); ok {
		details["reason"] = fmt.Sprintf("possible typosquat of %s", target)
		return &core.AnalyzerResult{
			Analyzer:   core.AnalyzerReputation,
			Score:      0.9,
			Confidence: 0.9,
			Status:     core.StatusOK,
			Details:    details,
		}
	}

	entry, err := a.cache.GetOrFetch(ctx, "domain:"+domain, a.cacheTTL, func(ctx context.Context) (*core.ReputationEntry, error) {
		return a.lookup(ctx, domain)
	})
	if err != nil {
		// Lookup failures degrade rather than fail: an unverifiable
		// domain still contributes a neutral-leaning score.
		a.logger.Warn("Reputation lookup failed",
			zap.String("domain", domain),
			zap.Error(err))
		details["reason"] = "reputation lookup failed"
		return &core.AnalyzerResult{
			Analyzer:   core.AnalyzerReputation,
			Score:      0.5,
			Confidence: 0.3,
			Status:     core.StatusDegraded,
			Details:    details,
			Error:      fmt.Errorf("%w: %v", core.ErrCacheLookup, err).Error(),
		}
	}

	details["source"] = entry.Source
	return &core.AnalyzerResult{
		Analyzer:   core.AnalyzerReputation,
		Score:      entry.Score,
		Confidence: 0.8,
		Status:     core.StatusOK,
		Details:    details,
	}
}

// typosquatOf reports whether domain is a near-miss of a trusted domain:
// close enough in edit distance to be confused at a glance, but not an
// exact match.
func (a *ReputationAnalyzer) typosquatOf(domain string) (string, bool) {
	for _, trusted := range a.trustedDomains {
		trusted = strings.ToLower(trusted)
		if domain == trusted {
			return "", false
		}
		dist := levenshtein(domain, trusted)
		longest := len(domain)
		if len(trusted) > longest {
			longest = len(trusted)
		}
		if longest == 0 {
			continue
		}
		similarity := 1.0 - float64(dist)/float64(longest)
		if similarity >= 0.85 {
			return trusted, true
		}
	}
	return "", false
}

// dnsLookup is the default reputation source: a domain with no MX and no
// address records is either brand new or fabricated, both risk-leaning.
func (a *ReputationAnalyzer) dnsLookup(ctx context.Context, domain string) (*core.ReputationEntry, error) {
	var resolver net.Resolver
	now := time.Now()

	mx, mxErr := resolver.LookupMX(ctx, domain)
	if mxErr == nil && len(mx) > 0 {
		return &core.ReputationEntry{
			Key:       "domain:" + domain,
			Score:     0.1,
			Source:    "dns:mx",
			FetchedAt: now,
			ExpiresAt: now.Add(a.cacheTTL),
		}, nil
	}

	addrs, addrErr := resolver.LookupHost(ctx, domain)
	if addrErr == nil && len(addrs) > 0 {
		return &core.ReputationEntry{
			Key:       "domain:" + domain,
			Score:     0.3,
			Source:    "dns:host",
			FetchedAt: now,
			ExpiresAt: now.Add(a.cacheTTL),
		}, nil
	}

	var dnsErr *net.DNSError
	if isNotFound(mxErr, &dnsErr) || isNotFound(addrErr, &dnsErr) {
		// Domain exists in no resolvable form: unknown territory.
		return &core.ReputationEntry{
			Key:       "domain:" + domain,
			Score:     0.6,
			Source:    "dns:nxdomain",
			FetchedAt: now,
			ExpiresAt: now.Add(a.cacheTTL),
		}, nil
	}
	return nil, fmt.Errorf("dns lookup for %s: %v", domain, addrErr)
}

func isNotFound(err error, target **net.DNSError) bool {
	if err == nil {
		return false
	}
	if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
		*target = dnsErr
		return true
	}
	return false
}

// levenshtein computes edit distance with the classic two-row dynamic
// program.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
