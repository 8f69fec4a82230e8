package scanning

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/vulnscan-armada/internal/config"
	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
)

type fakeCredWriter struct {
	mu    sync.Mutex
	creds map[string]credentials.AuthData
}

func newFakeCredWriter() *fakeCredWriter {
	return &fakeCredWriter{creds: make(map[string]credentials.AuthData)}
}

func (w *fakeCredWriter) Upsert(_ context.Context, cred *credentials.Credential, auth credentials.AuthData) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creds[cred.ID().String()] = auth
	return nil
}

func testDefinition() *config.Config {
	return &config.Config{
		Scanners: []config.ScannerSpec{
			{Name: "openvas-1", Host: "/run/ospd/ospd.sock"},
		},
		Credentials: []config.CredentialSpec{
			{Name: "dmz-ssh", Kind: "ssh", Username: "scanuser", Password: "secret"},
		},
		Targets: []config.TargetSpec{
			{
				Name:           "dmz",
				Hosts:          []string{"10.0.0.0/24"},
				PortRange:      "1-1024",
				CredentialRefs: map[string]string{"ssh": "dmz-ssh"},
			},
		},
		Tasks: []config.TaskSpec{
			{Name: "nightly", Scanner: "openvas-1", Target: "dmz", Preferences: map[string]string{"max_checks": "4"}},
		},
	}
}

func newTestMaterializer(taskRepo *fakeTaskRepo, targetRepo *fakeTargetRepo, scannerRepo *fakeScannerRepo, credWriter *fakeCredWriter) *Materializer {
	return NewMaterializer(taskRepo, targetRepo, scannerRepo, credWriter,
		testLogger(), noop.NewTracerProvider().Tracer(""))
}

func TestDeriveID_Deterministic(t *testing.T) {
	assert.Equal(t, deriveID("task", "nightly"), deriveID("task", "nightly"))
	assert.NotEqual(t, deriveID("task", "nightly"), deriveID("task", "weekly"))
	assert.NotEqual(t, deriveID("task", "nightly"), deriveID("target", "nightly"),
		"ids are namespaced by record kind")
}

func TestMaterializer_Materialize(t *testing.T) {
	taskRepo := newFakeTaskRepo()
	targetRepo := newFakeTargetRepo()
	scannerRepo := newFakeScannerRepo()
	credWriter := newFakeCredWriter()
	m := newTestMaterializer(taskRepo, targetRepo, scannerRepo, credWriter)

	require.NoError(t, m.Materialize(context.Background(), testDefinition()))

	scanner, err := scannerRepo.GetScanner(context.Background(), deriveID("scanner", "openvas-1"))
	require.NoError(t, err)
	assert.Equal(t, "/run/ospd/ospd.sock", scanner.Host())

	target, err := targetRepo.GetTarget(context.Background(), deriveID("target", "dmz"))
	require.NoError(t, err)
	require.NotNil(t, target.Credential(credentials.KindSSH))
	assert.Equal(t, deriveID("credential", "dmz-ssh"), target.Credential(credentials.KindSSH).ID())

	task, err := taskRepo.GetTask(context.Background(), deriveID("task", "nightly"))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRequested, task.Status())
	assert.Equal(t, deriveID("scanner", "openvas-1"), task.ScannerID())
	assert.Equal(t, deriveID("target", "dmz"), task.TargetID())

	auth, ok := credWriter.creds[deriveID("credential", "dmz-ssh").String()]
	require.True(t, ok)
	assert.Equal(t, "scanuser", auth.Username)
}

func TestMaterializer_ExistingTaskKeepsRunState(t *testing.T) {
	taskRepo := newFakeTaskRepo()
	m := newTestMaterializer(taskRepo, newFakeTargetRepo(), newFakeScannerRepo(), newFakeCredWriter())
	cfg := testDefinition()

	require.NoError(t, m.Materialize(context.Background(), cfg))

	task, err := taskRepo.GetTask(context.Background(), deriveID("task", "nightly"))
	require.NoError(t, err)
	require.NoError(t, task.UpdateStatus(domain.RunStatusRunning))

	// A second startup must not reset the running task.
	require.NoError(t, m.Materialize(context.Background(), cfg))

	task, err = taskRepo.GetTask(context.Background(), deriveID("task", "nightly"))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, task.Status())
}

func TestMaterializer_UndeclaredCredentialReference(t *testing.T) {
	cfg := testDefinition()
	cfg.Targets[0].CredentialRefs = map[string]string{"ssh": "missing"}
	m := newTestMaterializer(newFakeTaskRepo(), newFakeTargetRepo(), newFakeScannerRepo(), newFakeCredWriter())

	err := m.Materialize(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared credential")
}

func TestMaterializer_CredentialKindMismatch(t *testing.T) {
	cfg := testDefinition()
	cfg.Targets[0].CredentialRefs = map[string]string{"smb": "dmz-ssh"}
	m := newTestMaterializer(newFakeTaskRepo(), newFakeTargetRepo(), newFakeScannerRepo(), newFakeCredWriter())

	err := m.Materialize(context.Background(), cfg)

	require.Error(t, err)
}

func TestMaterializer_UnknownCredentialKind(t *testing.T) {
	cfg := testDefinition()
	cfg.Credentials[0].Kind = "telnet"
	m := newTestMaterializer(newFakeTaskRepo(), newFakeTargetRepo(), newFakeScannerRepo(), newFakeCredWriter())

	require.Error(t, m.Materialize(context.Background(), cfg))
}
