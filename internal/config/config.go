// Package config defines the scan task definition document and the runtime
// configuration for the manager process.
package config

import "time"

// HostOrdering enumerates the supported host iteration orders for a scan.
type HostOrdering string

const (
	HostOrderingSequential HostOrdering = "sequential"
	HostOrderingRandom     HostOrdering = "random"
	HostOrderingReverse    HostOrdering = "reverse"
)

// Config represents the top-level task definition document. Operators
// describe scanners, targets and tasks declaratively and the manager
// materializes them into persistent records at startup.
type Config struct {
	Scanners    []ScannerSpec    `yaml:"scanners"`
	Credentials []CredentialSpec `yaml:"credentials"`
	Targets     []TargetSpec     `yaml:"targets"`
	Tasks       []TaskSpec       `yaml:"tasks"`
}

// CredentialSpec declares a credential. Local credentials carry their secret
// material inline; vault credentials carry only the addressing needed to
// resolve the secret at launch time.
type CredentialSpec struct {
	Name string `yaml:"name"`

	// Kind is the protocol this credential authenticates: ssh, smb, esxi,
	// snmp or krb5.
	Kind string `yaml:"kind"`

	// Origin selects the backing store: "local" (default) or "vault".
	Origin string `yaml:"origin,omitempty"`

	// Local secret material.
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	PrivateKey string `yaml:"private_key,omitempty"`
	Community  string `yaml:"community,omitempty"`
	Realm      string `yaml:"realm,omitempty"`
	KDC        string `yaml:"kdc,omitempty"`

	// Vault addressing.
	StoreID string `yaml:"store_id,omitempty"`
	VaultID string `yaml:"vault_id,omitempty"`
}

// ScannerSpec describes a scanner endpoint the manager can dispatch scans to.
type ScannerSpec struct {
	Name string `yaml:"name"`

	// Host is either a hostname/IP or an absolute unix socket path.
	Host string `yaml:"host"`
	Port int    `yaml:"port,omitempty"`

	// PEM-encoded TLS material for TCP connections.
	CACertificate string `yaml:"ca_certificate,omitempty"`
	Certificate   string `yaml:"certificate,omitempty"`
	PrivateKey    string `yaml:"private_key,omitempty"`

	// Relay optionally pins a fixed relay endpoint for this scanner.
	Relay *RelaySpec `yaml:"relay,omitempty"`
}

// RelaySpec is a fixed relay endpoint substituted for a scanner's own address.
type RelaySpec struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TargetSpec describes the hosts, ports and credentials a scan covers.
type TargetSpec struct {
	Name         string   `yaml:"name"`
	Hosts        []string `yaml:"hosts"`
	ExcludeHosts []string `yaml:"exclude_hosts,omitempty"`
	PortRange    string   `yaml:"port_range,omitempty"`

	// CredentialRefs maps a protocol kind (ssh, smb, esxi, snmp, krb5) to the
	// name of a stored credential.
	CredentialRefs map[string]string `yaml:"credentials,omitempty"`

	HostOrdering   HostOrdering `yaml:"host_ordering,omitempty"`
	MaxConcurrency int          `yaml:"max_concurrency,omitempty"`
	ReverseLookup  bool         `yaml:"reverse_lookup,omitempty"`
}

// TaskSpec binds a scanner and a target into a runnable scan task.
type TaskSpec struct {
	Name    string `yaml:"name"`
	Scanner string `yaml:"scanner"`
	Target  string `yaml:"target"`

	// Preferences are forwarded verbatim to the scanner at launch.
	Preferences map[string]string `yaml:"preferences,omitempty"`
}

// RetryConfig defines retry behavior for transient scanner connection failures.
type RetryConfig struct {
	// MaxAttempts is how many consecutive failures to tolerate before a scan
	// is abandoned.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// InitialWait is the initial backoff duration (e.g., 1s).
	InitialWait time.Duration `yaml:"initial_wait,omitempty"`

	// MaxWait is the upper bound for the backoff (e.g., 30s).
	MaxWait time.Duration `yaml:"max_wait,omitempty"`
}
