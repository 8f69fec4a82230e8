// Package osp resolves and opens connections to remote OSP scanners. The
// wire protocol itself lives in the scanner client this package hands the
// connection to; this layer only decides where and how to connect.
package osp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

// dialTimeout bounds one connection attempt. Retry policy belongs to the
// poll loop, not here.
const dialTimeout = 30 * time.Second

// Resolver turns a scanner registration into a connection descriptor and
// opens connections from descriptors. Descriptors are derived fresh for
// every attempt and never cached.
type Resolver struct {
	relayMapper scanning.RelayMapper // nil when no mapper is deployed

	logger *logger.Logger
	tracer trace.Tracer
}

// NewResolver creates a Resolver. relayMapper may be nil; descriptors
// requesting relay indirection then fail to connect, which callers treat
// like any other connection failure.
func NewResolver(relayMapper scanning.RelayMapper, logger *logger.Logger, tracer trace.Tracer) *Resolver {
	return &Resolver{
		relayMapper: relayMapper,
		logger:      logger.With("component", "connection_resolver"),
		tracer:      tracer,
	}
}

// Resolve builds the connection descriptor for one attempt against a
// scanner. A statically configured relay replaces the scanner's own
// endpoint; the relay-mapper flag is set only when no static relay exists.
// A filesystem-path host is a unix socket and bypasses TLS material and
// relay resolution entirely.
func (r *Resolver) Resolve(scanner *scanning.Scanner) scanning.ConnectionDescriptor {
	desc := scanning.ConnectionDescriptor{
		Host:       scanner.Host(),
		Port:       scanner.Port(),
		CACert:     scanner.CACert(),
		ClientCert: scanner.ClientCert(),
		ClientKey:  scanner.ClientKey(),
	}

	if desc.UnixSocket() {
		desc.Port = 0
		desc.CACert = ""
		desc.ClientCert = ""
		desc.ClientKey = ""
		return desc
	}

	if scanner.HasRelay() {
		desc.Host = scanner.RelayHost()
		desc.Port = scanner.RelayPort()
		return desc
	}

	desc.UseRelayMapper = true
	return desc
}

// Connect opens a connection for a descriptor. Relay-mapper indirection, if
// requested and configured, substitutes (host, port, CA) before dialing.
// Every failure is logged with the original and, if relayed, substitute
// endpoint, then yields a nil connection; callers treat all of them as the
// same connection failure.
func (r *Resolver) Connect(ctx context.Context, desc scanning.ConnectionDescriptor) net.Conn {
	ctx, span := r.tracer.Start(ctx, "resolver.connect",
		trace.WithAttributes(
			attribute.String("host", desc.Host),
			attribute.Int("port", desc.Port),
			attribute.Bool("relay_mapper", desc.UseRelayMapper),
		),
	)
	defer span.End()

	if desc.UnixSocket() {
		conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "unix", desc.Host)
		if err != nil {
			span.RecordError(err)
			r.logger.Error(ctx, "Failed to connect to scanner socket", "socket", desc.Host, "error", err)
			return nil
		}
		return conn
	}

	host, port, caCert := desc.Host, desc.Port, desc.CACert

	if desc.UseRelayMapper && r.relayMapper != nil {
		endpoint, err := r.relayMapper.Lookup(ctx, host, port, caCert)
		if err != nil {
			span.RecordError(err)
			if errors.Is(err, scanning.ErrNoRelay) {
				r.logger.Error(ctx, "No relay found for scanner", "host", host, "port", port)
			} else {
				r.logger.Error(ctx, "Relay lookup failed", "host", host, "port", port, "error", err)
			}
			return nil
		}
		span.AddEvent("relay_substituted")
		host, port, caCert = endpoint.Host, endpoint.Port, endpoint.CACert
	}

	conn, err := r.dialTLS(ctx, host, port, caCert, desc.ClientCert, desc.ClientKey)
	if err != nil {
		span.RecordError(err)
		if host != desc.Host || port != desc.Port {
			r.logger.Error(ctx, "Failed to connect to scanner via relay",
				"host", desc.Host, "port", desc.Port,
				"relay_host", host, "relay_port", port, "error", err)
		} else {
			r.logger.Error(ctx, "Failed to connect to scanner", "host", host, "port", port, "error", err)
		}
		return nil
	}
	return conn
}

func (r *Resolver) dialTLS(ctx context.Context, host string, port int, caCert, clientCert, clientKey string) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := &net.Dialer{Timeout: dialTimeout}

	if caCert == "" && clientCert == "" {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	tlsCfg := &tls.Config{ServerName: host}

	if caCert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caCert)) {
			return nil, fmt.Errorf("parsing CA certificate for %s", addr)
		}
		tlsCfg.RootCAs = pool
	}

	if clientCert != "" && clientKey != "" {
		cert, err := tls.X509KeyPair([]byte(clientCert), []byte(clientKey))
		if err != nil {
			return nil, fmt.Errorf("parsing client certificate for %s: %w", addr, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
}
