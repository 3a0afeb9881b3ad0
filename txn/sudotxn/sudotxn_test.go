package sudotxn

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keapin/keapin/dhcp"
	"github.com/keapin/keapin/keaconf"
)

const testConf = `{"Dhcp4": {"subnet4": [{"subnet": "192.168.123.0/24",
    "pools": [{"pool": "192.168.123.52 - 192.168.123.250"}]}]}}`

type fakeRunner struct {
	calls []string
	fail  map[string]string // verb -> output
}

func (f *fakeRunner) Run(ctx context.Context, verb string, args ...string) (string, error) {
	f.calls = append(f.calls, verb)
	if out, ok := f.fail[verb]; ok {
		return out, errors.New("helper " + verb + " failed: exit status 1")
	}
	return "", nil
}

func newTestManager(t *testing.T, runner Runner) *Manager {
	t.Helper()
	m := New(runner, "/etc/kea/kea-dhcp4.conf", zap.NewNop())
	m.tempDir = t.TempDir()
	return m
}

func testDoc(t *testing.T) *keaconf.Document {
	t.Helper()
	doc, err := keaconf.Parse([]byte(testConf))
	require.NoError(t, err)
	return doc
}

func Test_Commit_Success(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner)

	err := m.Commit(context.Background(), testDoc(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"validate", "apply", "status"}, runner.calls)

	// the staged temp file is gone either way
	entries, err := os.ReadDir(m.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func Test_Commit_ValidationFailure(t *testing.T) {
	runner := &fakeRunner{fail: map[string]string{"validate": "syntax error near line 3"}}
	m := newTestManager(t, runner)

	err := m.Commit(context.Background(), testDoc(t))

	var invalid *dhcp.InvalidConfigError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Error(), "syntax error near line 3")

	// the live configuration was never touched: no apply, no restore
	assert.Equal(t, []string{"validate"}, runner.calls)

	entries, readErr := os.ReadDir(m.tempDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func Test_Commit_ApplyFailure_RollsBackOnce(t *testing.T) {
	runner := &fakeRunner{fail: map[string]string{"apply": "reload refused"}}
	m := newTestManager(t, runner)

	err := m.Commit(context.Background(), testDoc(t))

	var applyErr *dhcp.ApplyFailedError
	require.ErrorAs(t, err, &applyErr)
	assert.False(t, applyErr.RestoreFailed)
	assert.Contains(t, applyErr.Error(), "previous configuration restored")
	assert.Equal(t, []string{"validate", "apply", "restore"}, runner.calls)
}

func Test_Commit_UnhealthyAfterReload_RollsBack(t *testing.T) {
	runner := &fakeRunner{fail: map[string]string{"status": ""}}
	m := newTestManager(t, runner)

	err := m.Commit(context.Background(), testDoc(t))

	var applyErr *dhcp.ApplyFailedError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, []string{"validate", "apply", "status", "restore"}, runner.calls)
}

func Test_Commit_RestoreFailure_IsFatal(t *testing.T) {
	runner := &fakeRunner{fail: map[string]string{"apply": "disk full", "restore": "no backup"}}
	m := newTestManager(t, runner)

	err := m.Commit(context.Background(), testDoc(t))

	var applyErr *dhcp.ApplyFailedError
	require.ErrorAs(t, err, &applyErr)
	assert.True(t, applyErr.RestoreFailed)
	assert.Contains(t, applyErr.Error(), "operator intervention required")
}

func Test_Commit_CancelledBeforeApply(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Commit(ctx, testDoc(t))
	require.Error(t, err)
	// cancellation before apply discards the staged file, nothing applied
	assert.NotContains(t, runner.calls, "apply")
	assert.NotContains(t, runner.calls, "restore")
}
