// Package credentials defines the credential model consumed when assembling
// scan payloads: per-protocol credentials sourced from either local storage
// or an external vault, selected by the credential's declared origin.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies the protocol a credential authenticates.
type Kind string

const (
	KindSSH      Kind = "ssh"
	KindSMB      Kind = "smb"
	KindESXi     Kind = "esxi"
	KindSNMP     Kind = "snmp"
	KindKerberos Kind = "krb5"
)

// Kinds lists every protocol a scan payload may carry a credential for.
// Each is independently optional.
func Kinds() []Kind {
	return []Kind{KindSSH, KindSMB, KindESXi, KindSNMP, KindKerberos}
}

// String returns the string representation of the Kind.
func (k Kind) String() string { return string(k) }

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSSH, KindSMB, KindESXi, KindSNMP, KindKerberos:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown credential kind %q", s)
	}
}

// Origin is the tag that selects which CredentialSource materializes a
// credential's secret.
type Origin string

const (
	// OriginLocal resolves secrets from the manager's own storage.
	OriginLocal Origin = "local"

	// OriginVault resolves secrets from an external credential store.
	OriginVault Origin = "vault"
)

// Credential is the stored reference to a secret. The secret itself is only
// materialized through a CredentialSource at launch time.
type Credential struct {
	id     uuid.UUID
	kind   Kind
	origin Origin

	// Vault addressing, only meaningful for OriginVault.
	storeID string
	vaultID string
}

// NewCredential creates a locally stored credential reference.
func NewCredential(id uuid.UUID, kind Kind) *Credential {
	return &Credential{id: id, kind: kind, origin: OriginLocal}
}

// NewVaultCredential creates a credential reference resolved through an
// external vault, addressed by (store id, vault id, host identifier).
func NewVaultCredential(id uuid.UUID, kind Kind, storeID, vaultID string) *Credential {
	return &Credential{id: id, kind: kind, origin: OriginVault, storeID: storeID, vaultID: vaultID}
}

// ID returns the credential's identifier.
func (c *Credential) ID() uuid.UUID { return c.id }

// Kind returns the protocol this credential authenticates.
func (c *Credential) Kind() Kind { return c.kind }

// Origin returns the backend tag selecting the credential source.
func (c *Credential) Origin() Origin { return c.origin }

// StoreID returns the external store identifier for vault credentials.
func (c *Credential) StoreID() string { return c.storeID }

// VaultID returns the vault identifier for vault credentials.
func (c *Credential) VaultID() string { return c.vaultID }

// AuthData is the opaque bag of authentication material handed to the
// scanner. Which fields are populated depends on the credential kind.
type AuthData struct {
	Username   string
	Password   string
	PrivateKey string

	// SNMP.
	Community string

	// Kerberos.
	Realm string
	KDC   string
}

// Empty reports whether no authentication material was resolved.
func (a AuthData) Empty() bool {
	return a.Username == "" && a.Password == "" && a.PrivateKey == "" && a.Community == ""
}

// ErrNotFound is returned when a credential source has no secret for the
// requested credential.
var ErrNotFound = errors.New("credential not found")

// CredentialSource materializes the secret behind a credential reference.
// Implementations exist for the local store and for external vaults; the
// credential's Origin selects which one is consulted.
type CredentialSource interface {
	// Fetch resolves the authentication material for a credential as it
	// applies to one target host.
	Fetch(ctx context.Context, cred *Credential, hostIdentifier string) (AuthData, error)
}
