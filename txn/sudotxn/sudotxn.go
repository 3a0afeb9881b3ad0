// Package sudotxn commits configuration transactions through a single
// privileged helper invoked via sudo, one invocation per phase.
package sudotxn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"github.com/keapin/keapin/dhcp"
	"github.com/keapin/keapin/keaconf"
	"github.com/keapin/keapin/txn"
)

// DefaultTimeout bounds each helper invocation. The validator and
// systemctl normally return within seconds; expiry is treated like any
// other apply failure.
const DefaultTimeout = 30 * time.Second

// Runner executes one helper verb. The production runner shells out to
// sudo; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, verb string, args ...string) (string, error)
}

// SudoRunner invokes the privileged helper through sudo.
type SudoRunner struct {
	helper string
}

// NewRunner returns a Runner for the helper binary at path.
func NewRunner(path string) Runner {
	return &SudoRunner{helper: path}
}

// Run executes `sudo <helper> <verb> <args...>` and returns the
// combined output.
func (r *SudoRunner) Run(ctx context.Context, verb string, args ...string) (string, error) {
	argv := append([]string{r.helper, verb}, args...)
	out, err := exec.CommandContext(ctx, "sudo", argv...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("helper %s failed: %w", verb, err)
	}
	return string(out), nil
}

// Manager is the txn.Manager implementation backed by the helper.
type Manager struct {
	runner   Runner
	confPath string
	timeout  time.Duration
	tempDir  string
	logger   *zap.Logger
}

// New returns a Manager committing to the live configuration at
// confPath through runner.
func New(runner Runner, confPath string, logger *zap.Logger) *Manager {
	return &Manager{
		runner:   runner,
		confPath: confPath,
		timeout:  DefaultTimeout,
		tempDir:  os.TempDir(),
		logger:   logger,
	}
}

// Commit runs the stage/validate/apply/verify sequence for doc.
//
// Cancellation is honored up to the apply step; from apply on the
// transaction runs on its own deadline so a caller hangup cannot leave
// a half-switched configuration behind.
func (m *Manager) Commit(ctx context.Context, doc *keaconf.Document) error {
	data, err := doc.Bytes()
	if err != nil {
		return err
	}

	tx := txn.Begin()
	id := uuid.NewV4()
	log := m.logger.With(zap.String("txn", id.String()))

	staged := filepath.Join(m.tempDir, fmt.Sprintf("keapin-%s.json", id))
	if err := os.WriteFile(staged, data, 0600); err != nil {
		return fmt.Errorf("failed to stage configuration: %w", err)
	}
	defer os.Remove(staged)
	log.Info("staged configuration", zap.String("path", staged))

	out, err := m.run(ctx, "validate", staged)
	if err != nil {
		if terr := tx.To(txn.RolledBack); terr != nil {
			return terr
		}
		log.Warn("staged configuration rejected", zap.String("output", out))
		return &dhcp.InvalidConfigError{Output: out}
	}
	if err := tx.To(txn.Validated); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		if terr := tx.To(txn.RolledBack); terr != nil {
			return terr
		}
		return fmt.Errorf("commit cancelled before apply: %w", err)
	}

	// Point of no return: apply, verify and restore ignore caller
	// cancellation.
	out, err = m.run(context.Background(), "apply", staged, m.confPath)
	if err != nil {
		return m.rollback(tx, log, "helper apply failed", out)
	}

	out, err = m.run(context.Background(), "status")
	if err != nil {
		return m.rollback(tx, log, "daemon unhealthy after reload", out)
	}

	if err := tx.To(txn.Committed); err != nil {
		return err
	}
	log.Info("configuration committed", zap.String("path", m.confPath))
	return nil
}

// rollback restores the previous configuration, attempted exactly once.
func (m *Manager) rollback(tx *txn.Transaction, log *zap.Logger, reason, output string) error {
	if err := tx.To(txn.ApplyFailed); err != nil {
		return err
	}
	log.Warn("apply failed, restoring previous configuration",
		zap.String("reason", reason),
		zap.String("output", output))

	restoreOut, err := m.run(context.Background(), "restore", m.confPath)
	if terr := tx.To(txn.RolledBack); terr != nil {
		return terr
	}
	if err != nil {
		log.Error("restore failed, configuration needs operator attention",
			zap.String("output", restoreOut))
		return &dhcp.ApplyFailedError{Reason: reason, Output: output, RestoreFailed: true}
	}

	log.Info("previous configuration restored")
	return &dhcp.ApplyFailedError{Reason: reason, Output: output}
}

func (m *Manager) run(parent context.Context, verb string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()
	return m.runner.Run(ctx, verb, args...)
}
