package confstore

import (
	"context"

	"github.com/keapin/keapin/keaconf"
)

// Store is the interface for keapin to read and replace the daemon
// configuration. Reads take one consistent snapshot per call; writes go
// through the transaction manager and either replace the live document
// as a whole or leave it untouched.
type Store interface {
	Current(ctx context.Context) (*keaconf.Document, error)
	Commit(ctx context.Context, doc *keaconf.Document) error
}
