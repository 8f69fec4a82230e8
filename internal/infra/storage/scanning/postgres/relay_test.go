package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/storage"
)

func TestRelayStore_Lookup(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	relayStore := NewRelayStore(db, storage.NoOpTracer())
	ctx := context.Background()

	_, err := db.Exec(ctx, `
		INSERT INTO relays (host, port, ca_cert, relay_host, relay_port, relay_ca_cert)
		VALUES ('scanner.internal', 9390, 'ca-pem', 'relay.internal', 9391, 'relay-ca-pem')`)
	require.NoError(t, err)

	endpoint, err := relayStore.Lookup(ctx, "scanner.internal", 9390, "ca-pem")
	require.NoError(t, err)

	assert.Equal(t, "relay.internal", endpoint.Host)
	assert.Equal(t, 9391, endpoint.Port)
	assert.Equal(t, "relay-ca-pem", endpoint.CACert)
}

func TestRelayStore_Lookup_NoRelay(t *testing.T) {
	t.Parallel()
	db, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	relayStore := NewRelayStore(db, storage.NoOpTracer())

	_, err := relayStore.Lookup(context.Background(), "unknown.internal", 9390, "")
	require.ErrorIs(t, err, scanning.ErrNoRelay)
}
