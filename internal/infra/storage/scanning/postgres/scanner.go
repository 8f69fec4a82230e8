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

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

// Ensure scannerStore implements scanning.ScannerRepository at compile time.
var _ scanning.ScannerRepository = (*scannerStore)(nil)

// scannerStore implements scanning.ScannerRepository using Postgres.
type scannerStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewScannerStore creates a ScannerRepository backed by PostgreSQL.
func NewScannerStore(pool *pgxpool.Pool, tracer trace.Tracer) *scannerStore {
	return &scannerStore{pool: pool, tracer: tracer}
}

// GetScanner retrieves a scanner registration by id.
func (s *scannerStore) GetScanner(ctx context.Context, scannerID uuid.UUID) (*scanning.Scanner, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scanner_id", scannerID.String()),
	)

	var scanner *scanning.Scanner

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scanner", dbAttrs, func(ctx context.Context) error {
		var (
			name       string
			host       string
			port       int
			caCert     pgtype.Text
			clientCert pgtype.Text
			clientKey  pgtype.Text
			relayHost  pgtype.Text
			relayPort  pgtype.Int4
		)

		err := s.pool.QueryRow(ctx, `
			SELECT name, host, port, ca_cert, client_cert, client_key, relay_host, relay_port
			FROM scanners WHERE id = $1`, scannerID,
		).Scan(&name, &host, &port, &caCert, &clientCert, &clientKey, &relayHost, &relayPort)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("GetScanner query error: %w", err)
		}

		scanner = scanning.ReconstructScanner(
			scannerID, name, host, port,
			caCert.String, clientCert.String, clientKey.String,
			relayHost.String, int(relayPort.Int32),
		)
		return nil
	})

	if err != nil {
		return nil, err
	}
	if scanner == nil {
		return nil, pgx.ErrNoRows
	}
	return scanner, nil
}

// UpsertScanner creates or replaces a scanner registration. Used by the
// startup materialization of declarative scanner definitions.
func (s *scannerStore) UpsertScanner(ctx context.Context, scanner *scanning.Scanner) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scanner_id", scanner.ScannerID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_scanner", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO scanners (id, name, host, port, ca_cert, client_cert, client_key, relay_host, relay_port)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				host = EXCLUDED.host,
				port = EXCLUDED.port,
				ca_cert = EXCLUDED.ca_cert,
				client_cert = EXCLUDED.client_cert,
				client_key = EXCLUDED.client_key,
				relay_host = EXCLUDED.relay_host,
				relay_port = EXCLUDED.relay_port,
				updated_at = now()`,
			scanner.ScannerID(), scanner.Name(), scanner.Host(), scanner.Port(),
			scanner.CACert(), scanner.ClientCert(), scanner.ClientKey(),
			scanner.RelayHost(), scanner.RelayPort(),
		)
		if err != nil {
			return fmt.Errorf("UpsertScanner exec error: %w", err)
		}
		return nil
	})
}
