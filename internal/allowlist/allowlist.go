package allowlist

import (
	"strings"

	"go.uber.org/zap"
)

// Checker matches sender addresses against a tenant's internal domain
// allowlist. Subdomains of an allowlisted domain match too, since tenants
// list their apex domains.
type Checker struct {
	domains []string
	logger  *zap.Logger
}

// NewChecker creates a checker over the given domains. Entries are
// normalized to lowercase.
func NewChecker(domains []string, logger *zap.Logger) *Checker {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	return &Checker{domains: normalized, logger: logger}
}

// Contains reports whether the address's domain is allowlisted.
func (c *Checker) Contains(address string) bool {
	if len(c.domains) == 0 {
		return false
	}
	parts := strings.Split(address, "@")
	if len(parts) != 2 {
		return false
	}
	domain := strings.ToLower(parts[1])

	for _, allowed := range c.domains {
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			if c.logger != nil {
				c.logger.Debug("Sender domain is allowlisted",
					zap.String("domain", domain),
					zap.String("address", address))
			}
			return true
		}
	}
	return false
}
