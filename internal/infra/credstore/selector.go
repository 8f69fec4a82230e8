package credstore

import (
	"context"
	"fmt"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
)

// Ensure Selector implements credentials.CredentialSource at compile time.
var _ credentials.CredentialSource = (*Selector)(nil)

// Selector dispatches credential resolution to the backend named by the
// credential's origin tag. A nil backend means that origin is not configured
// for this deployment.
type Selector struct {
	local credentials.CredentialSource
	vault credentials.CredentialSource
}

// NewSelector creates the origin-dispatching credential source.
func NewSelector(local, vault credentials.CredentialSource) *Selector {
	return &Selector{local: local, vault: vault}
}

// Fetch resolves a credential through the source its origin selects.
func (s *Selector) Fetch(ctx context.Context, cred *credentials.Credential, hostIdentifier string) (credentials.AuthData, error) {
	switch cred.Origin() {
	case credentials.OriginLocal:
		if s.local == nil {
			return credentials.AuthData{}, fmt.Errorf("local credential store not configured")
		}
		return s.local.Fetch(ctx, cred, hostIdentifier)
	case credentials.OriginVault:
		if s.vault == nil {
			return credentials.AuthData{}, fmt.Errorf("vault credential store not configured")
		}
		return s.vault.Fetch(ctx, cred, hostIdentifier)
	default:
		return credentials.AuthData{}, fmt.Errorf("unknown credential origin %q", cred.Origin())
	}
}
