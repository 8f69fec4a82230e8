package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/vulnscan-armada/internal/config"
	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
)

// CredentialWriter persists declared credentials. Satisfied by the local
// credential store.
type CredentialWriter interface {
	Upsert(ctx context.Context, cred *credentials.Credential, auth credentials.AuthData) error
}

// Materializer turns a declarative task definition document into persistent
// records. Ids are derived deterministically from names so repeated startups
// update in place instead of duplicating.
type Materializer struct {
	taskRepo    domain.TaskRepository
	targetRepo  domain.TargetRepository
	scannerRepo domain.ScannerRepository
	credWriter  CredentialWriter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewMaterializer creates a materializer over the scanning repositories.
func NewMaterializer(
	taskRepo domain.TaskRepository,
	targetRepo domain.TargetRepository,
	scannerRepo domain.ScannerRepository,
	credWriter CredentialWriter,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Materializer {
	return &Materializer{
		taskRepo:    taskRepo,
		targetRepo:  targetRepo,
		scannerRepo: scannerRepo,
		credWriter:  credWriter,
		logger:      logger.With("component", "materializer"),
		tracer:      tracer,
	}
}

// deriveID maps a declared name to a stable id. SHA1-based UUIDs keep the
// mapping deterministic across restarts.
func deriveID(kind, name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(kind+"/"+name))
}

// Materialize applies the whole definition document: scanners, credentials,
// targets and tasks, in dependency order. Tasks that already exist are left
// untouched so their run state survives restarts.
func (m *Materializer) Materialize(ctx context.Context, cfg *config.Config) error {
	ctx, span := m.tracer.Start(ctx, "materializer.materialize",
		trace.WithAttributes(
			attribute.Int("scanner_count", len(cfg.Scanners)),
			attribute.Int("credential_count", len(cfg.Credentials)),
			attribute.Int("target_count", len(cfg.Targets)),
			attribute.Int("task_count", len(cfg.Tasks)),
		),
	)
	defer span.End()

	for _, spec := range cfg.Scanners {
		if err := m.materializeScanner(ctx, spec); err != nil {
			span.RecordError(err)
			return fmt.Errorf("scanner %q: %w", spec.Name, err)
		}
	}
	credsByName, err := m.materializeCredentials(ctx, cfg.Credentials)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, spec := range cfg.Targets {
		if err := m.materializeTarget(ctx, spec, credsByName); err != nil {
			span.RecordError(err)
			return fmt.Errorf("target %q: %w", spec.Name, err)
		}
	}
	for _, spec := range cfg.Tasks {
		if err := m.materializeTask(ctx, spec); err != nil {
			span.RecordError(err)
			return fmt.Errorf("task %q: %w", spec.Name, err)
		}
	}

	m.logger.Info(ctx, "Task definitions materialized",
		"scanners", len(cfg.Scanners), "targets", len(cfg.Targets), "tasks", len(cfg.Tasks))
	return nil
}

func (m *Materializer) materializeScanner(ctx context.Context, spec config.ScannerSpec) error {
	scanner := domain.NewScanner(deriveID("scanner", spec.Name), spec.Name, spec.Host, spec.Port)
	scanner.SetTLSMaterial(spec.CACertificate, spec.Certificate, spec.PrivateKey)
	if spec.Relay != nil {
		scanner.SetRelay(spec.Relay.Host, spec.Relay.Port)
	}
	return m.scannerRepo.UpsertScanner(ctx, scanner)
}

func (m *Materializer) materializeCredentials(ctx context.Context, specs []config.CredentialSpec) (map[string]*credentials.Credential, error) {
	byName := make(map[string]*credentials.Credential, len(specs))
	for _, spec := range specs {
		kind, err := credentials.ParseKind(spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", spec.Name, err)
		}

		id := deriveID("credential", spec.Name)
		var cred *credentials.Credential
		if credentials.Origin(spec.Origin) == credentials.OriginVault {
			cred = credentials.NewVaultCredential(id, kind, spec.StoreID, spec.VaultID)
		} else {
			cred = credentials.NewCredential(id, kind)
		}

		if err := m.credWriter.Upsert(ctx, cred, credentials.AuthData{
			Username:   spec.Username,
			Password:   spec.Password,
			PrivateKey: spec.PrivateKey,
			Community:  spec.Community,
			Realm:      spec.Realm,
			KDC:        spec.KDC,
		}); err != nil {
			return nil, fmt.Errorf("credential %q: %w", spec.Name, err)
		}
		byName[spec.Name] = cred
	}
	return byName, nil
}

func (m *Materializer) materializeTarget(ctx context.Context, spec config.TargetSpec, credsByName map[string]*credentials.Credential) error {
	target := domain.NewTarget(deriveID("target", spec.Name), spec.Name, spec.Hosts, spec.PortRange)
	target.SetExcludeHosts(spec.ExcludeHosts)
	if spec.HostOrdering != "" {
		target.SetOrdering(domain.HostOrdering(spec.HostOrdering))
	}
	target.SetMaxConcurrency(spec.MaxConcurrency)
	target.SetReverseLookup(spec.ReverseLookup)

	for kindStr, credName := range spec.CredentialRefs {
		kind, err := credentials.ParseKind(kindStr)
		if err != nil {
			return err
		}
		cred, ok := credsByName[credName]
		if !ok {
			return fmt.Errorf("references undeclared credential %q", credName)
		}
		if cred.Kind() != kind {
			return fmt.Errorf("credential %q is %s, referenced as %s", credName, cred.Kind(), kind)
		}
		target.SetCredential(cred)
	}

	return m.targetRepo.UpsertTarget(ctx, target)
}

func (m *Materializer) materializeTask(ctx context.Context, spec config.TaskSpec) error {
	taskID := deriveID("task", spec.Name)

	// An existing task keeps its run state; only brand-new definitions are
	// created.
	if _, err := m.taskRepo.GetTask(ctx, taskID); err == nil {
		return nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	task := domain.NewTask(
		taskID,
		deriveID("scanner", spec.Scanner),
		deriveID("target", spec.Target),
		spec.Name,
		spec.Preferences,
	)
	return m.taskRepo.CreateTask(ctx, task)
}
