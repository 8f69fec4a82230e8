package scanning

import (
	"strings"

	"github.com/google/uuid"
)

// Scanner is the registration record for one remote scanner process. The
// TLS material is PEM-encoded; a scanner reachable over a unix socket
// carries its socket path in Host and leaves everything else empty.
type Scanner struct {
	id   uuid.UUID
	name string

	host string
	port int

	caCert     string
	clientCert string
	clientKey  string

	relayHost string
	relayPort int
}

// NewScanner creates a scanner registration.
func NewScanner(id uuid.UUID, name, host string, port int) *Scanner {
	return &Scanner{id: id, name: name, host: host, port: port}
}

// ReconstructScanner creates a Scanner from persisted data. This should only
// be used by repositories when reconstructing from storage.
func ReconstructScanner(
	id uuid.UUID,
	name, host string,
	port int,
	caCert, clientCert, clientKey string,
	relayHost string,
	relayPort int,
) *Scanner {
	return &Scanner{
		id:         id,
		name:       name,
		host:       host,
		port:       port,
		caCert:     caCert,
		clientCert: clientCert,
		clientKey:  clientKey,
		relayHost:  relayHost,
		relayPort:  relayPort,
	}
}

// ScannerID returns the unique identifier for this scanner.
func (s *Scanner) ScannerID() uuid.UUID { return s.id }

// Name returns the operator-assigned scanner name.
func (s *Scanner) Name() string { return s.name }

// Host returns the scanner's configured host or socket path.
func (s *Scanner) Host() string { return s.host }

// Port returns the scanner's configured port.
func (s *Scanner) Port() int { return s.port }

// CACert returns the PEM-encoded CA certificate, if any.
func (s *Scanner) CACert() string { return s.caCert }

// ClientCert returns the PEM-encoded client certificate, if any.
func (s *Scanner) ClientCert() string { return s.clientCert }

// ClientKey returns the PEM-encoded client key, if any.
func (s *Scanner) ClientKey() string { return s.clientKey }

// SetTLSMaterial attaches the PEM material used for mutual TLS.
func (s *Scanner) SetTLSMaterial(caCert, clientCert, clientKey string) {
	s.caCert = caCert
	s.clientCert = clientCert
	s.clientKey = clientKey
}

// SetRelay statically routes connections to this scanner through a relay
// endpoint instead of connecting directly.
func (s *Scanner) SetRelay(host string, port int) {
	s.relayHost = host
	s.relayPort = port
}

// HasRelay reports whether a relay endpoint is statically configured.
func (s *Scanner) HasRelay() bool { return s.relayHost != "" }

// RelayHost returns the configured relay host.
func (s *Scanner) RelayHost() string { return s.relayHost }

// RelayPort returns the configured relay port.
func (s *Scanner) RelayPort() int { return s.relayPort }

// ConnectionDescriptor holds everything needed for one connection attempt to
// a scanner. Descriptors are derived fresh for every attempt and never
// cached beyond one use.
type ConnectionDescriptor struct {
	// Host is the endpoint to dial, or an absolute filesystem path for a
	// unix socket.
	Host string

	// Port is ignored for unix sockets.
	Port int

	// PEM-encoded TLS material. Empty for unix sockets.
	CACert     string
	ClientCert string
	ClientKey  string

	// UseRelayMapper requests a dynamic relay lookup at connect time. Only
	// set when no relay is statically configured, and never for unix
	// sockets.
	UseRelayMapper bool
}

// UnixSocket reports whether the descriptor points at a filesystem socket
// address. Local sockets need neither TLS nor relay indirection.
func (d ConnectionDescriptor) UnixSocket() bool { return strings.HasPrefix(d.Host, "/") }
