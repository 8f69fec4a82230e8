package osp

import (
	"context"
	"fmt"
	"net"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

// ClientConstructor wraps an open connection in the wire-protocol client.
// The protocol implementation is external to this repository; deployments
// register theirs at start-up, the same way database/sql drivers register.
type ClientConstructor func(conn net.Conn) scanning.ScannerClient

var registeredConstructor ClientConstructor

// RegisterClient registers the wire-protocol client constructor for this
// process. Call once from an init function, before the factory is built.
func RegisterClient(construct ClientConstructor) { registeredConstructor = construct }

// RegisteredClient returns the registered constructor, or nil when none was
// registered.
func RegisteredClient() ClientConstructor { return registeredConstructor }

// Ensure Factory implements scanning.ClientFactory at compile time.
var _ scanning.ClientFactory = (*Factory)(nil)

// Factory implements scanning.ClientFactory: it derives a fresh descriptor
// per attempt, connects through the resolver and hands the connection to
// the registered protocol client.
type Factory struct {
	resolver  *Resolver
	construct ClientConstructor

	logger *logger.Logger
}

// NewFactory creates a client factory over a resolver and a protocol client
// constructor.
func NewFactory(resolver *Resolver, construct ClientConstructor, logger *logger.Logger) *Factory {
	return &Factory{
		resolver:  resolver,
		construct: construct,
		logger:    logger.With("component", "scanner_client_factory"),
	}
}

// Client opens a fresh connection to the scanner and wraps it in the
// protocol client. The caller owns the client and must Close it.
func (f *Factory) Client(ctx context.Context, scanner *scanning.Scanner) (scanning.ScannerClient, error) {
	if f.construct == nil {
		return nil, fmt.Errorf("no scanner protocol client registered")
	}

	desc := f.resolver.Resolve(scanner)

	conn := f.resolver.Connect(ctx, desc)
	if conn == nil {
		return nil, fmt.Errorf("connecting to scanner %s: connection failed", scanner.Name())
	}

	return f.construct(conn), nil
}
