// Package filestore reads the live kea-dhcp4 configuration from disk
// and commits changes through the transaction manager.
package filestore

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/keapin/keapin/confstore"
	"github.com/keapin/keapin/keaconf"
	"github.com/keapin/keapin/txn"
)

// FileStore is a confstore.Store over the configuration file at path.
type FileStore struct {
	path    string
	manager txn.Manager
	logger  *zap.Logger
}

// New returns a Store reading path and committing through manager.
func New(path string, manager txn.Manager, logger *zap.Logger) confstore.Store {
	return &FileStore{
		path:    path,
		manager: manager,
		logger:  logger,
	}
}

// Current reads and parses the live configuration. The file is read in
// one call so a concurrent commit cannot produce a torn snapshot.
func (f *FileStore) Current(ctx context.Context) (*keaconf.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", f.path, err)
	}
	return keaconf.Parse(data)
}

// Commit hands doc to the transaction manager.
func (f *FileStore) Commit(ctx context.Context, doc *keaconf.Document) error {
	return f.manager.Commit(ctx, doc)
}
