package leasestore

import (
	"context"

	"github.com/keapin/keapin/dhcp"
)

// LeaseStore is the interface for keapin to observe the daemon's lease
// database. Implementations are read-only; leases are produced and
// destroyed by the daemon.
type LeaseStore interface {
	// ListActive returns the active, deduplicated leases. Every call
	// re-reads the underlying source, since the daemon rewrites it at
	// its own pace.
	ListActive(ctx context.Context) ([]dhcp.Lease, error)
}
