// Package credstore provides the credential-source implementations: the
// manager's own Postgres store and an external HashiCorp Vault, selected per
// credential by its declared origin.
package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

// Ensure LocalStore implements credentials.CredentialSource at compile time.
var _ credentials.CredentialSource = (*LocalStore)(nil)

// LocalStore resolves credential secrets from the manager's own database.
type LocalStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewLocalStore creates a CredentialSource over the manager's database.
func NewLocalStore(pool *pgxpool.Pool, tracer trace.Tracer) *LocalStore {
	return &LocalStore{pool: pool, tracer: tracer}
}

// Fetch resolves the stored secret for a credential. The host identifier is
// unused for local credentials; the same material applies to every host.
func (s *LocalStore) Fetch(ctx context.Context, cred *credentials.Credential, _ string) (credentials.AuthData, error) {
	attrs := []attribute.KeyValue{
		attribute.String("credential_id", cred.ID().String()),
		attribute.String("kind", cred.Kind().String()),
	}

	var auth credentials.AuthData

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fetch_credential", attrs, func(ctx context.Context) error {
		var username, password, privateKey, community, realm, kdc pgtype.Text

		err := s.pool.QueryRow(ctx, `
			SELECT username, password, private_key, community, realm, kdc
			FROM credentials WHERE id = $1`, cred.ID(),
		).Scan(&username, &password, &privateKey, &community, &realm, &kdc)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return credentials.ErrNotFound
			}
			return fmt.Errorf("credential query error: %w", err)
		}

		auth = credentials.AuthData{
			Username:   username.String,
			Password:   password.String,
			PrivateKey: privateKey.String,
			Community:  community.String,
			Realm:      realm.String,
			KDC:        kdc.String,
		}
		return nil
	})

	if err != nil {
		return credentials.AuthData{}, err
	}
	return auth, nil
}

// Upsert creates or replaces a stored credential and its secret material.
// Used by the startup materialization of declarative credential definitions.
func (s *LocalStore) Upsert(ctx context.Context, cred *credentials.Credential, auth credentials.AuthData) error {
	attrs := []attribute.KeyValue{
		attribute.String("credential_id", cred.ID().String()),
		attribute.String("kind", cred.Kind().String()),
	}

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_credential", attrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO credentials (id, kind, origin, store_id, vault_id, username, password, private_key, community, realm, kdc)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind,
				origin = EXCLUDED.origin,
				store_id = EXCLUDED.store_id,
				vault_id = EXCLUDED.vault_id,
				username = EXCLUDED.username,
				password = EXCLUDED.password,
				private_key = EXCLUDED.private_key,
				community = EXCLUDED.community,
				realm = EXCLUDED.realm,
				kdc = EXCLUDED.kdc,
				updated_at = now()`,
			cred.ID(), cred.Kind().String(), string(cred.Origin()),
			cred.StoreID(), cred.VaultID(),
			auth.Username, auth.Password, auth.PrivateKey,
			auth.Community, auth.Realm, auth.KDC,
		)
		if err != nil {
			return fmt.Errorf("upsert credential error: %w", err)
		}
		return nil
	})
}
