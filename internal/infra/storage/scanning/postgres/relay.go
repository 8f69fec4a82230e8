package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

// Ensure relayStore implements scanning.RelayMapper at compile time.
var _ scanning.RelayMapper = (*relayStore)(nil)

// relayStore implements the relay mapper over the relays table, keyed by
// the scanner endpoint (host, port, CA).
type relayStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRelayStore creates a RelayMapper backed by PostgreSQL.
func NewRelayStore(pool *pgxpool.Pool, tracer trace.Tracer) *relayStore {
	return &relayStore{pool: pool, tracer: tracer}
}

// Lookup returns the relay endpoint registered for a scanner endpoint.
func (s *relayStore) Lookup(ctx context.Context, host string, port int, caCert string) (scanning.RelayEndpoint, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("host", host),
		attribute.Int("port", port),
	)

	var endpoint scanning.RelayEndpoint

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.relay_lookup", dbAttrs, func(ctx context.Context) error {
		var relayHost string
		var relayPort int
		var relayCA pgtype.Text

		err := s.pool.QueryRow(ctx, `
			SELECT relay_host, relay_port, relay_ca_cert
			FROM relays
			WHERE host = $1 AND port = $2 AND ca_cert = $3`,
			host, port, caCert,
		).Scan(&relayHost, &relayPort, &relayCA)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrNoRelay
			}
			return fmt.Errorf("relay lookup query error: %w", err)
		}

		endpoint = scanning.RelayEndpoint{Host: relayHost, Port: relayPort, CACert: relayCA.String}
		return nil
	})

	if err != nil {
		return scanning.RelayEndpoint{}, err
	}
	return endpoint, nil
}
