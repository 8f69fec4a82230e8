package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

// Ensure targetStore implements scanning.TargetRepository at compile time.
var _ scanning.TargetRepository = (*targetStore)(nil)

// targetStore implements scanning.TargetRepository using Postgres.
type targetStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTargetStore creates a TargetRepository backed by PostgreSQL.
func NewTargetStore(pool *pgxpool.Pool, tracer trace.Tracer) *targetStore {
	return &targetStore{pool: pool, tracer: tracer}
}

// GetTarget retrieves a target, including its per-protocol credential
// references.
func (s *targetStore) GetTarget(ctx context.Context, targetID uuid.UUID) (*scanning.Target, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("target_id", targetID.String()),
	)

	var target *scanning.Target

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_target", dbAttrs, func(ctx context.Context) error {
		var (
			name           string
			hosts          []string
			excludeHosts   []string
			portRange      pgtype.Text
			ordering       string
			maxConcurrency int
			reverseLookup  bool
		)

		err := s.pool.QueryRow(ctx, `
			SELECT name, hosts, exclude_hosts, port_range, ordering, max_concurrency, reverse_lookup
			FROM targets WHERE id = $1`, targetID,
		).Scan(&name, &hosts, &excludeHosts, &portRange, &ordering, &maxConcurrency, &reverseLookup)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("GetTarget query error: %w", err)
		}

		creds, err := s.loadCredentialRefs(ctx, targetID)
		if err != nil {
			return err
		}

		target = scanning.ReconstructTarget(
			targetID, name,
			hosts, excludeHosts,
			portRange.String,
			creds,
			scanning.HostOrdering(ordering),
			maxConcurrency,
			reverseLookup,
		)
		return nil
	})

	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, pgx.ErrNoRows
	}
	return target, nil
}

// UpsertTarget creates or replaces a target definition along with its
// credential references. Used by the startup materialization of declarative
// target definitions.
func (s *targetStore) UpsertTarget(ctx context.Context, target *scanning.Target) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("target_id", target.TargetID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_target", dbAttrs, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx, `
			INSERT INTO targets (id, name, hosts, exclude_hosts, port_range, ordering, max_concurrency, reverse_lookup)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				hosts = EXCLUDED.hosts,
				exclude_hosts = EXCLUDED.exclude_hosts,
				port_range = EXCLUDED.port_range,
				ordering = EXCLUDED.ordering,
				max_concurrency = EXCLUDED.max_concurrency,
				reverse_lookup = EXCLUDED.reverse_lookup,
				updated_at = now()`,
			target.TargetID(), target.Name(), target.Hosts(), target.ExcludeHosts(),
			target.PortRange(), string(target.Ordering()), target.MaxConcurrency(), target.ReverseLookup(),
		)
		if err != nil {
			return fmt.Errorf("UpsertTarget exec error: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM target_credentials WHERE target_id = $1`, target.TargetID()); err != nil {
			return fmt.Errorf("clearing target credentials: %w", err)
		}
		for _, kind := range credentials.Kinds() {
			cred := target.Credential(kind)
			if cred == nil {
				continue
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO target_credentials (target_id, credential_id, kind)
				VALUES ($1, $2, $3)`,
				target.TargetID(), cred.ID(), kind.String(),
			)
			if err != nil {
				return fmt.Errorf("inserting target credential: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

func (s *targetStore) loadCredentialRefs(ctx context.Context, targetID uuid.UUID) (map[credentials.Kind]*credentials.Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tc.credential_id, tc.kind, c.origin, c.store_id, c.vault_id
		FROM target_credentials tc
		JOIN credentials c ON c.id = tc.credential_id
		WHERE tc.target_id = $1`, targetID)
	if err != nil {
		return nil, fmt.Errorf("target credentials query error: %w", err)
	}
	defer rows.Close()

	creds := make(map[credentials.Kind]*credentials.Credential)
	for rows.Next() {
		var (
			credID  uuid.UUID
			kind    string
			origin  string
			storeID pgtype.Text
			vaultID pgtype.Text
		)
		if err := rows.Scan(&credID, &kind, &origin, &storeID, &vaultID); err != nil {
			return nil, fmt.Errorf("scanning target credential: %w", err)
		}

		k, err := credentials.ParseKind(kind)
		if err != nil {
			return nil, err
		}

		var cred *credentials.Credential
		if credentials.Origin(origin) == credentials.OriginVault {
			cred = credentials.NewVaultCredential(credID, k, storeID.String, vaultID.String)
		} else {
			cred = credentials.NewCredential(credID, k)
		}
		creds[k] = cred
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading target credentials: %w", err)
	}

	return creds, nil
}
