package scanning

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
)

// TaskRepository provides persistent storage and retrieval of tasks.
type TaskRepository interface {
	// CreateTask persists a new task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by id.
	GetTask(ctx context.Context, taskID uuid.UUID) (*Task, error)

	// UpdateTask persists changes to an existing task.
	UpdateTask(ctx context.Context, task *Task) error

	// ListActiveTasks returns every task whose run status is non-terminal.
	// The manager sweeps these at startup to resume jobs a previous process
	// left in flight.
	ListActiveTasks(ctx context.Context) ([]*Task, error)
}

// ReportRepository provides persistent storage and retrieval of reports and
// their results.
type ReportRepository interface {
	// CreateReport persists a new report.
	CreateReport(ctx context.Context, report *Report) error

	// GetReport retrieves a report by id.
	GetReport(ctx context.Context, reportID uuid.UUID) (*Report, error)

	// FindResumableReport returns the task's most recent not-yet-finalized
	// report, or nil when every prior report reached a terminal status.
	FindResumableReport(ctx context.Context, taskID uuid.UUID) (*Report, error)

	// UpdateReport persists progress, finished hosts and timing changes.
	UpdateReport(ctx context.Context, report *Report) error

	// AppendResults persists newly ingested results for a report. Results
	// are append-only; the scanner's pop semantics prevent duplicates.
	AppendResults(ctx context.Context, reportID uuid.UUID, results []Result) error

	// TrimPartialResults discards persisted results for hosts outside the
	// finished-host set, mirroring Report.TrimPartial.
	TrimPartialResults(ctx context.Context, reportID uuid.UUID, finishedHosts []string) error

	// UpdatePairStatus commits a run-status transition to the task and its
	// report atomically. No crash boundary may observe the pair divergent.
	UpdatePairStatus(ctx context.Context, task *Task, report *Report, status RunStatus) error
}

// TargetRepository provides storage and retrieval of scan targets.
type TargetRepository interface {
	// GetTarget retrieves a target by id.
	GetTarget(ctx context.Context, targetID uuid.UUID) (*Target, error)

	// UpsertTarget creates or replaces a target definition, credential
	// references included.
	UpsertTarget(ctx context.Context, target *Target) error
}

// ScannerRepository provides storage and retrieval of scanner registrations.
type ScannerRepository interface {
	// GetScanner retrieves a scanner by id.
	GetScanner(ctx context.Context, scannerID uuid.UUID) (*Scanner, error)

	// UpsertScanner creates or replaces a scanner registration.
	UpsertScanner(ctx context.Context, scanner *Scanner) error
}

// ScanPayload is everything submitted to the scanner to start one scan.
type ScanPayload struct {
	ScanID uuid.UUID

	Hosts        []string
	ExcludeHosts []string
	Ports        string

	// One optional resolved credential per protocol.
	Credentials map[credentials.Kind]credentials.AuthData

	// Global scanner options: concurrency caps, host ordering, reverse
	// lookup and task preferences passed through verbatim.
	Options map[string]string

	// Hosts a resumed job already finished; excluded from re-scanning.
	FinishedHosts []string
}

// ReportPayload is one batch of scan output fetched from the scanner.
type ReportPayload struct {
	Results       []Result
	FinishedHosts []string
}

// ScannerClient is the opaque protocol client for one remote scanner. The
// wire protocol lives below this interface; this layer only sees its
// operations. Transport failures surface as errors and feed the poll loop's
// connection-retry budget.
type ScannerClient interface {
	// CreateScan registers the scan with the scanner under payload.ScanID.
	CreateScan(ctx context.Context, payload ScanPayload) error

	// StartScan begins executing a previously created scan.
	StartScan(ctx context.Context, scanID uuid.UUID) error

	// StopScan stops a queued or running scan.
	StopScan(ctx context.Context, scanID uuid.UUID) error

	// DeleteScan removes the scan artifact. Scanners require deletion
	// before a scan id can be reused.
	DeleteScan(ctx context.Context, scanID uuid.UUID) error

	// GetProgress returns the scan's progress in percent. With wantResults
	// it also returns the report payload; with popResults delivered results
	// are dropped scanner-side so they are not re-delivered next cycle.
	GetProgress(ctx context.Context, scanID uuid.UUID, wantResults, popResults bool) (int, *ReportPayload, error)

	// GetStatus returns the scanner-reported scan state.
	GetStatus(ctx context.Context, scanID uuid.UUID) (RemoteStatus, error)

	// Close releases the underlying connection.
	Close() error
}

// ClientFactory derives a fresh connection descriptor for a scanner and
// opens a client over it. Descriptors are never cached between attempts.
type ClientFactory interface {
	Client(ctx context.Context, scanner *Scanner) (ScannerClient, error)
}

// Resource names one of the process-wide counting resources the gate bounds.
type Resource string

const (
	// ResourceScanUpdate bounds concurrent scan-update sections.
	ResourceScanUpdate Resource = "scan_update"

	// ResourceDBConnection bounds concurrent database connections.
	ResourceDBConnection Resource = "db_connection"

	// ResourceReportProcessing bounds concurrent report post-processing.
	ResourceReportProcessing Resource = "report_processing"
)

// Resources lists every gate-bounded resource. The gate's slot-set shape is
// reconciled against this list at manager start-up.
func Resources() []Resource {
	return []Resource{ResourceScanUpdate, ResourceDBConnection, ResourceReportProcessing}
}

// String returns the string representation of the Resource.
func (r Resource) String() string { return string(r) }

// ResourceGate is the cross-process counting semaphore bounding concurrent
// access to scarce local resources. Capacity 0 disables a resource's gate
// entirely. Acquire returns (false, nil) on timeout, which callers treat as
// "try again later"; a *GateBrokenError means the shared counter
// infrastructure itself is gone and the calling cycle must abort.
type ResourceGate interface {
	// Acquire claims one slot of the named resource, blocking up to timeout
	// (0 means unbounded).
	Acquire(ctx context.Context, resource Resource, timeout time.Duration) (bool, error)

	// Release returns one previously acquired slot.
	Release(ctx context.Context, resource Resource) error
}

// ReportPostProcessor runs the deferred passes over a finished report. Each
// pass is individually resource-gated by the finalizer.
type ReportPostProcessor interface {
	// IdentifyHosts folds host-detail results into per-host identities
	// (hostname, OS) recorded on the report.
	IdentifyHosts(ctx context.Context, reportID uuid.UUID) error

	// AggregateSeverity computes the report's severity rollup from its
	// results.
	AggregateSeverity(ctx context.Context, reportID uuid.UUID) error

	// EnrichDetails attaches vulnerability-test metadata to results that
	// arrived with a bare OID.
	EnrichDetails(ctx context.Context, reportID uuid.UUID) error
}

// RelayEndpoint is the substitute connection parameters a relay lookup
// yields.
type RelayEndpoint struct {
	Host   string
	Port   int
	CACert string
}

// RelayMapper dynamically substitutes connection parameters at connect time
// for scanners that are not directly reachable and have no statically
// configured relay.
type RelayMapper interface {
	// Lookup returns the relay endpoint for a scanner endpoint, keyed by
	// (host, port, CA). Returns ErrNoRelay when no relay serves it.
	Lookup(ctx context.Context, host string, port int, caCert string) (RelayEndpoint, error)
}

// ActiveJobRegistry tracks which jobs are currently executing. It replaces
// hidden process-global markers with an injected handle; the finalizer
// clears entries on every path, error paths included.
type ActiveJobRegistry interface {
	// Register marks a job active.
	Register(taskID, reportID uuid.UUID)

	// Clear removes a job's active marker. Clearing an unknown task is a
	// no-op.
	Clear(taskID uuid.UUID)

	// Count returns the number of currently active jobs.
	Count() int

	// Lookup returns the active report for a task, if any.
	Lookup(taskID uuid.UUID) (uuid.UUID, bool)
}
