package scanning

import (
	"github.com/google/uuid"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
)

// HostOrdering controls the order the scanner walks the target's hosts in.
type HostOrdering string

const (
	HostOrderingSequential HostOrdering = "sequential"
	HostOrderingRandom     HostOrdering = "random"
	HostOrderingReverse    HostOrdering = "reverse"
)

// Target describes what a task scans: the host list, the ports, the
// per-protocol credentials and the user-level allow/deny list applied on top
// of the host list.
type Target struct {
	id   uuid.UUID
	name string

	hosts        []string
	portRange    string
	excludeHosts []string

	// One optional credential per protocol.
	creds map[credentials.Kind]*credentials.Credential

	ordering       HostOrdering
	maxConcurrency int
	reverseLookup  bool
}

// NewTarget creates a scan target.
func NewTarget(id uuid.UUID, name string, hosts []string, portRange string) *Target {
	return &Target{
		id:        id,
		name:      name,
		hosts:     hosts,
		portRange: portRange,
		creds:     make(map[credentials.Kind]*credentials.Credential),
		ordering:  HostOrderingSequential,
	}
}

// ReconstructTarget creates a Target from persisted data. This should only
// be used by repositories when reconstructing from storage.
func ReconstructTarget(
	id uuid.UUID,
	name string,
	hosts, excludeHosts []string,
	portRange string,
	creds map[credentials.Kind]*credentials.Credential,
	ordering HostOrdering,
	maxConcurrency int,
	reverseLookup bool,
) *Target {
	if creds == nil {
		creds = make(map[credentials.Kind]*credentials.Credential)
	}
	return &Target{
		id:             id,
		name:           name,
		hosts:          hosts,
		excludeHosts:   excludeHosts,
		portRange:      portRange,
		creds:          creds,
		ordering:       ordering,
		maxConcurrency: maxConcurrency,
		reverseLookup:  reverseLookup,
	}
}

// TargetID returns the unique identifier for this target.
func (t *Target) TargetID() uuid.UUID { return t.id }

// Name returns the operator-assigned target name.
func (t *Target) Name() string { return t.name }

// Hosts returns the hosts to scan.
func (t *Target) Hosts() []string { return t.hosts }

// ExcludeHosts returns the user host deny list.
func (t *Target) ExcludeHosts() []string { return t.excludeHosts }

// PortRange returns the port specification handed to the scanner.
func (t *Target) PortRange() string { return t.portRange }

// Credential returns the credential configured for a protocol, or nil.
func (t *Target) Credential(kind credentials.Kind) *credentials.Credential { return t.creds[kind] }

// SetCredential attaches a credential for one protocol.
func (t *Target) SetCredential(cred *credentials.Credential) { t.creds[cred.Kind()] = cred }

// SetExcludeHosts replaces the user host deny list.
func (t *Target) SetExcludeHosts(hosts []string) { t.excludeHosts = hosts }

// Ordering returns the host-ordering policy.
func (t *Target) Ordering() HostOrdering { return t.ordering }

// SetOrdering sets the host-ordering policy.
func (t *Target) SetOrdering(o HostOrdering) { t.ordering = o }

// MaxConcurrency returns the per-scan host concurrency cap, 0 for the
// scanner default.
func (t *Target) MaxConcurrency() int { return t.maxConcurrency }

// SetMaxConcurrency caps how many hosts the scanner works concurrently.
func (t *Target) SetMaxConcurrency(n int) { t.maxConcurrency = n }

// ReverseLookup reports whether hostnames should be resolved for report
// results.
func (t *Target) ReverseLookup() bool { return t.reverseLookup }

// SetReverseLookup toggles hostname resolution for report results.
func (t *Target) SetReverseLookup(v bool) { t.reverseLookup = v }
