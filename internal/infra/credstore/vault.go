package credstore

import (
	"context"
	"fmt"
	"path"

	vault "github.com/hashicorp/vault/api"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

// Ensure VaultStore implements credentials.CredentialSource at compile time.
var _ credentials.CredentialSource = (*VaultStore)(nil)

// VaultStore resolves credential secrets from an external HashiCorp Vault
// KV-v2 mount. Secrets are addressed by (store id, vault id, host
// identifier) so per-host material can live alongside shared material.
type VaultStore struct {
	client *vault.Client
	mount  string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewVaultStore creates a CredentialSource over a Vault client. mount is the
// KV-v2 mount path secrets live under, e.g. "scan-credentials".
func NewVaultStore(client *vault.Client, mount string, logger *logger.Logger, tracer trace.Tracer) *VaultStore {
	return &VaultStore{
		client: client,
		mount:  mount,
		logger: logger.With("component", "vault_credential_store"),
		tracer: tracer,
	}
}

// Fetch reads the secret at <mount>/data/<storeID>/<vaultID>/<host>. A
// missing secret maps to credentials.ErrNotFound so callers can distinguish
// configuration gaps from vault outages.
func (s *VaultStore) Fetch(ctx context.Context, cred *credentials.Credential, hostIdentifier string) (credentials.AuthData, error) {
	ctx, span := s.tracer.Start(ctx, "vault.fetch_credential",
		trace.WithAttributes(
			attribute.String("credential_id", cred.ID().String()),
			attribute.String("kind", cred.Kind().String()),
			attribute.String("store_id", cred.StoreID()),
		),
	)
	defer span.End()

	secretPath := path.Join(s.mount, "data", cred.StoreID(), cred.VaultID(), hostIdentifier)

	secret, err := s.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vault read failed")
		return credentials.AuthData{}, fmt.Errorf("reading vault secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		span.AddEvent("secret_not_found")
		return credentials.AuthData{}, credentials.ErrNotFound
	}

	// KV-v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		span.SetStatus(codes.Error, "unexpected secret shape")
		return credentials.AuthData{}, fmt.Errorf("vault secret at %s has unexpected shape", secretPath)
	}

	auth := credentials.AuthData{
		Username:   stringField(data, "username"),
		Password:   stringField(data, "password"),
		PrivateKey: stringField(data, "private_key"),
		Community:  stringField(data, "community"),
		Realm:      stringField(data, "realm"),
		KDC:        stringField(data, "kdc"),
	}
	if auth.Empty() {
		return credentials.AuthData{}, credentials.ErrNotFound
	}
	return auth, nil
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
