// Package policy resolves user tiers to container resource limits and
// security options. Resolution is pure; overrides on the user record may
// narrow but never widen the tier's limits.
package policy

import (
	"github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/store"
)

// Tier names
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Bundle is the resolved set of limits and security options applied to a
// user's container.
type Bundle struct {
	Tier        string
	MemoryBytes int64   // hard memory limit
	CPUs        float64 // fractional CPU count, mapped to NanoCPUs by the gateway
	PidsLimit   int64

	// Security options in docker --security-opt form, plus capability drops.
	SecurityOpts []string
	CapDrop      []string
}

const (
	gib = int64(1) << 30

	defaultPidsLimit = 512
)

var tiers = map[string]Bundle{
	TierFree:       {Tier: TierFree, MemoryBytes: 1 * gib, CPUs: 0.5, PidsLimit: defaultPidsLimit},
	TierPro:        {Tier: TierPro, MemoryBytes: 4 * gib, CPUs: 2, PidsLimit: defaultPidsLimit},
	TierEnterprise: {Tier: TierEnterprise, MemoryBytes: 8 * gib, CPUs: 4, PidsLimit: defaultPidsLimit},
}

// Policy resolves tiers to resource bundles.
type Policy struct {
	seccompProfile  string // host path to a seccomp profile JSON, empty for runtime default
	apparmorProfile string // AppArmor profile name, empty for runtime default
}

// New creates a Policy with the given security profile references.
func New(seccompProfile, apparmorProfile string) *Policy {
	return &Policy{
		seccompProfile:  seccompProfile,
		apparmorProfile: apparmorProfile,
	}
}

// Resolve returns the resource bundle for a user. Unknown tiers resolve
// to free. Overrides on the user record narrow the tier's limits.
func (p *Policy) Resolve(user *store.User) (*Bundle, error) {
	if user == nil {
		return nil, errors.InvalidArgument("user is required")
	}

	base, ok := tiers[user.Tier]
	if !ok {
		base = tiers[TierFree]
	}

	bundle := base

	if user.MemoryLimitOverride > 0 && int64(user.MemoryLimitOverride) < base.MemoryBytes {
		bundle.MemoryBytes = int64(user.MemoryLimitOverride)
	}
	if user.CPULimitOverride > 0 && user.CPULimitOverride < base.CPUs {
		bundle.CPUs = user.CPULimitOverride
	}

	bundle.SecurityOpts = p.securityOpts()
	bundle.CapDrop = []string{"NET_RAW", "SYS_ADMIN", "SYS_PTRACE"}

	return &bundle, nil
}

func (p *Policy) securityOpts() []string {
	opts := []string{"no-new-privileges:true"}
	if p.seccompProfile != "" {
		opts = append(opts, "seccomp="+p.seccompProfile)
	}
	if p.apparmorProfile != "" {
		opts = append(opts, "apparmor="+p.apparmorProfile)
	}
	return opts
}

// NanoCPUs converts the fractional CPU count to the runtime's NanoCPUs unit.
func (b *Bundle) NanoCPUs() int64 {
	return int64(b.CPUs * 1e9)
}
