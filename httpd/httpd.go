package httpd

import (
	"context"

	"github.com/keapin/keapin/dhcp"
	"github.com/keapin/keapin/keaconf"
	"github.com/keapin/keapin/types"
)

// HTTPd is the interface for keapin to provide the HTTP API.
type HTTPd interface {
	Serve(ctx context.Context, addr string) error
}

// Service is the engine surface the HTTP layer exposes. *alloc.Engine
// implements it.
type Service interface {
	ListLeases(ctx context.Context) ([]dhcp.Lease, error)
	ListReservations(ctx context.Context) ([]dhcp.Reservation, error)
	Unified(ctx context.Context) ([]dhcp.UnifiedRecord, error)
	AddReservation(ctx context.Context, mac types.HardwareAddr, ip types.IP, hostname string) (dhcp.Reservation, error)
	UpdateReservationIP(ctx context.Context, identifier string, ip types.IP) (dhcp.Reservation, error)
	RemoveReservation(ctx context.Context, identifier string) error
	Boundary(ctx context.Context) (dhcp.RangeInfo, error)
	SetBoundary(ctx context.Context, boundary int) (dhcp.RangeInfo, error)
	Stats(ctx context.Context) (dhcp.Stats, error)
	RawConfig(ctx context.Context) (*keaconf.Document, error)
	SetRawConfig(ctx context.Context, data []byte) error
}
