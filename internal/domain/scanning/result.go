package scanning

import "time"

// ResultType categorizes a single scanner finding.
type ResultType string

const (
	// ResultTypeLog is informational output from a vulnerability test.
	ResultTypeLog ResultType = "LOG"

	// ResultTypeAlarm is a finding that crossed the reporting threshold.
	ResultTypeAlarm ResultType = "ALARM"

	// ResultTypeError records a failure, either reported by the scanner or
	// synthesized by the manager (connection loss, interrupted scan).
	ResultTypeError ResultType = "ERROR"

	// ResultTypeHostDetail carries per-host metadata used by the
	// post-processing passes.
	ResultTypeHostDetail ResultType = "HOST_DETAIL"
)

// String returns the string representation of the ResultType.
func (t ResultType) String() string { return string(t) }

// ParseResultType converts a scanner-reported string to a ResultType.
func ParseResultType(s string) ResultType {
	switch s {
	case "log", "LOG":
		return ResultTypeLog
	case "alarm", "ALARM":
		return ResultTypeAlarm
	case "error", "ERROR":
		return ResultTypeError
	case "host detail", "HOST_DETAIL":
		return ResultTypeHostDetail
	default:
		return ResultTypeLog
	}
}

// Result is a single finding delivered by the scanner for one host. Results
// are append-only: the scanner's pop semantics guarantee each result is
// delivered exactly once, so the manager never needs to de-duplicate.
type Result struct {
	host       string
	hostname   string
	port       string
	oid        string
	resultType ResultType
	severity   float64
	message    string
	receivedAt time.Time
}

// NewResult creates a Result from a scanner-delivered finding.
func NewResult(host, hostname, port, oid string, resultType ResultType, severity float64, message string) Result {
	return Result{
		host:       host,
		hostname:   hostname,
		port:       port,
		oid:        oid,
		resultType: resultType,
		severity:   severity,
		message:    message,
		receivedAt: time.Now(),
	}
}

// NewErrorResult creates the synthetic error result the manager appends when
// a scan fails in a way the user should see as a single readable line.
func NewErrorResult(message string) Result {
	return Result{
		resultType: ResultTypeError,
		severity:   -1,
		message:    message,
		receivedAt: time.Now(),
	}
}

// ReconstructResult creates a Result from persisted data. This should only be
// used by repositories when reconstructing from storage.
func ReconstructResult(
	host, hostname, port, oid string,
	resultType ResultType,
	severity float64,
	message string,
	receivedAt time.Time,
) Result {
	return Result{
		host:       host,
		hostname:   hostname,
		port:       port,
		oid:        oid,
		resultType: resultType,
		severity:   severity,
		message:    message,
		receivedAt: receivedAt,
	}
}

// Host returns the IP the finding applies to.
func (r Result) Host() string { return r.host }

// Hostname returns the resolved name of the host, if any.
func (r Result) Hostname() string { return r.hostname }

// Port returns the service port the finding applies to.
func (r Result) Port() string { return r.port }

// OID returns the identifier of the vulnerability test that produced this result.
func (r Result) OID() string { return r.oid }

// Type returns the result category.
func (r Result) Type() ResultType { return r.resultType }

// Severity returns the CVSS-style severity, -1 for results without one.
func (r Result) Severity() float64 { return r.severity }

// Message returns the human-readable finding text.
func (r Result) Message() string { return r.message }

// ReceivedAt returns the time the manager ingested this result.
func (r Result) ReceivedAt() time.Time { return r.receivedAt }

// IsError reports whether this result records a failure.
func (r Result) IsError() bool { return r.resultType == ResultTypeError }
