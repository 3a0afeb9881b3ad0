package dhcp

import (
	"time"

	"github.com/keapin/keapin/types"
)

// Reservation is a permanent MAC to address binding stored in the
// daemon configuration.
type Reservation struct {
	HWAddress types.HardwareAddr `json:"hw-address"`
	IPAddress types.IP           `json:"ip-address"`
	Hostname  string             `json:"hostname,omitempty"`
}

// Lease is a temporary binding issued by the daemon. Leases are owned
// by the daemon; this system only observes them.
type Lease struct {
	HWAddress types.HardwareAddr `json:"hw-address"`
	IPAddress types.IP           `json:"ip-address"`
	Hostname  string             `json:"hostname,omitempty"`
	Expire    time.Time          `json:"expire"`
	State     int                `json:"state"`
}

// ExpiredAt returns true if the lease was or will be expired at t.
func (l *Lease) ExpiredAt(t time.Time) bool {
	return t.After(l.Expire)
}

// UnifiedRecord is the merged view of a reservation or a non-reserved
// active lease. It is a projection and is never persisted.
type UnifiedRecord struct {
	HWAddress types.HardwareAddr `json:"hw-address"`
	IPAddress types.IP           `json:"ip-address"`
	Hostname  string             `json:"hostname,omitempty"`
	Pinned    bool               `json:"pinned"`
	Expire    *time.Time         `json:"expire,omitempty"`
}

// Stats is the read-side snapshot of counts and capacities.
type Stats struct {
	ReservationsCount int      `json:"reservations_count"`
	ReservationsTotal int      `json:"reservations_total"`
	LeasesCount       int      `json:"leases_count"`
	LeasesTotal       int      `json:"leases_total"`
	Gateway           types.IP `json:"gateway,omitempty"`
}

// RangeInfo describes the current reserved/pool split.
type RangeInfo struct {
	Boundary      int      `json:"boundary"`
	ReservedStart types.IP `json:"reserved_start"`
	ReservedEnd   types.IP `json:"reserved_end"`
	ReservedTotal int      `json:"reserved_total"`
	PoolStart     types.IP `json:"pool_start,omitempty"`
	PoolEnd       types.IP `json:"pool_end,omitempty"`
	PoolTotal     int      `json:"pool_total"`
}

// NewRangeInfo computes the range description for boundary b inside block.
func NewRangeInfo(block Block, b int) RangeInfo {
	info := RangeInfo{
		Boundary:      b,
		ReservedStart: block.mustAddr(block.First),
		ReservedEnd:   block.mustAddr(b + 1),
		ReservedTotal: block.ReservedCapacity(b),
		PoolTotal:     block.PoolCapacity(b),
	}
	if b+2 <= block.Last {
		info.PoolStart = block.mustAddr(b + 2)
		info.PoolEnd = block.mustAddr(block.Last)
	}
	return info
}
