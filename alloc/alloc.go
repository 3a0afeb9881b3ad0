// Package alloc implements the allocation engine: the unified
// reservation/lease view, address auto-assignment and the reserved/pool
// boundary rules. The engine owns no persistent state; it reads the two
// stores, computes a new configuration document and hands it to the
// transaction manager.
package alloc

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/keapin/keapin/confstore"
	"github.com/keapin/keapin/dhcp"
	"github.com/keapin/keapin/keaconf"
	"github.com/keapin/keapin/leasestore"
	"github.com/keapin/keapin/netinfo"
	"github.com/keapin/keapin/types"
)

// Engine validates and applies allocation changes for one address
// block. Mutations are serialized by a single writer lock; reads take
// their own snapshot and never block behind a pending commit.
type Engine struct {
	block  dhcp.Block
	leases leasestore.LeaseStore
	conf   confstore.Store
	net    netinfo.NetInfo
	logger *zap.Logger

	mu sync.Mutex
}

// New is
func New(block dhcp.Block, leases leasestore.LeaseStore, conf confstore.Store, net netinfo.NetInfo, logger *zap.Logger) *Engine {
	return &Engine{
		block:  block,
		leases: leases,
		conf:   conf,
		net:    net,
		logger: logger,
	}
}

// Unify merges reservations and leases into the unified view:
// reservations first, tagged pinned, then every lease whose hardware
// address is not reserved, in the order the leases were read. No
// hardware address appears twice.
func Unify(reservations []dhcp.Reservation, leases []dhcp.Lease) []dhcp.UnifiedRecord {
	records := make([]dhcp.UnifiedRecord, 0, len(reservations)+len(leases))
	reserved := make(map[string]bool, len(reservations))

	for _, r := range reservations {
		reserved[r.HWAddress.String()] = true
		records = append(records, dhcp.UnifiedRecord{
			HWAddress: r.HWAddress,
			IPAddress: r.IPAddress,
			Hostname:  r.Hostname,
			Pinned:    true,
		})
	}
	for _, l := range leases {
		if reserved[l.HWAddress.String()] {
			continue
		}
		expire := l.Expire
		records = append(records, dhcp.UnifiedRecord{
			HWAddress: l.HWAddress,
			IPAddress: l.IPAddress,
			Hostname:  l.Hostname,
			Pinned:    false,
			Expire:    &expire,
		})
	}
	return records
}

// ListLeases returns the active leases.
func (e *Engine) ListLeases(ctx context.Context) ([]dhcp.Lease, error) {
	return e.leases.ListActive(ctx)
}

// ListReservations returns the configured reservations.
func (e *Engine) ListReservations(ctx context.Context) ([]dhcp.Reservation, error) {
	doc, err := e.conf.Current(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Reservations()
}

// Unified returns the merged reservation/lease view.
func (e *Engine) Unified(ctx context.Context) ([]dhcp.UnifiedRecord, error) {
	doc, err := e.conf.Current(ctx)
	if err != nil {
		return nil, err
	}
	reservations, err := doc.Reservations()
	if err != nil {
		return nil, err
	}
	leases, err := e.leases.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return Unify(reservations, leases), nil
}

// AddReservation creates or replaces the reservation for mac.
//
// A nil address, or an address that falls inside the dynamic pool,
// triggers auto-assignment: the highest free address of the reserved
// range. The pool-address fallback is deliberate; a client pinned
// straight off its current pool lease gets a reserved address instead
// of an error. Manual addresses are honored only inside the reserved
// range. When hostname is empty it is copied from the client's active
// lease, if any.
func (e *Engine) AddReservation(ctx context.Context, mac types.HardwareAddr, ip types.IP, hostname string) (dhcp.Reservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.conf.Current(ctx)
	if err != nil {
		return dhcp.Reservation{}, err
	}
	reservations, err := doc.Reservations()
	if err != nil {
		return dhcp.Reservation{}, err
	}
	boundary, err := doc.Boundary(e.block)
	if err != nil {
		return dhcp.Reservation{}, err
	}

	target := ip
	switch {
	case len(ip) == 0 || e.block.InPool(ip, boundary):
		octet, err := e.nextFree(reservations, boundary)
		if err != nil {
			return dhcp.Reservation{}, err
		}
		target, err = e.block.Addr(octet)
		if err != nil {
			return dhcp.Reservation{}, err
		}
	case e.block.InReserved(ip, boundary):
		// honored as-is; conflicts surface from the upsert
	default:
		return dhcp.Reservation{}, e.outOfRange(ip, boundary)
	}

	if hostname == "" {
		hostname = e.leaseHostname(ctx, mac)
	}

	reservation := dhcp.Reservation{HWAddress: mac, IPAddress: target, Hostname: hostname}
	if err := doc.UpsertReservation(reservation); err != nil {
		return dhcp.Reservation{}, err
	}
	if err := e.conf.Commit(ctx, doc); err != nil {
		return dhcp.Reservation{}, err
	}

	e.logger.Info("reservation added",
		zap.String("hw-address", reservation.HWAddress.String()),
		zap.String("ip-address", reservation.IPAddress.String()))
	return reservation, nil
}

// UpdateReservationIP moves an existing reservation, identified by
// hardware or IP address, to a new address inside the reserved range.
func (e *Engine) UpdateReservationIP(ctx context.Context, identifier string, ip types.IP) (dhcp.Reservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.conf.Current(ctx)
	if err != nil {
		return dhcp.Reservation{}, err
	}
	reservations, err := doc.Reservations()
	if err != nil {
		return dhcp.Reservation{}, err
	}
	boundary, err := doc.Boundary(e.block)
	if err != nil {
		return dhcp.Reservation{}, err
	}

	reservation, ok := findReservation(reservations, identifier)
	if !ok {
		return dhcp.Reservation{}, dhcp.ErrNotFound
	}
	if !e.block.InReserved(ip, boundary) {
		return dhcp.Reservation{}, e.outOfRange(ip, boundary)
	}

	reservation.IPAddress = ip
	if err := doc.UpsertReservation(reservation); err != nil {
		return dhcp.Reservation{}, err
	}
	if err := e.conf.Commit(ctx, doc); err != nil {
		return dhcp.Reservation{}, err
	}

	e.logger.Info("reservation updated",
		zap.String("hw-address", reservation.HWAddress.String()),
		zap.String("ip-address", reservation.IPAddress.String()))
	return reservation, nil
}

// RemoveReservation removes the reservation matching identifier, which
// may be a hardware or an IP address.
func (e *Engine) RemoveReservation(ctx context.Context, identifier string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.conf.Current(ctx)
	if err != nil {
		return err
	}
	removed, err := doc.RemoveReservation(identifier)
	if err != nil {
		return err
	}
	if !removed {
		return dhcp.ErrNotFound
	}
	if err := e.conf.Commit(ctx, doc); err != nil {
		return err
	}

	e.logger.Info("reservation removed", zap.String("identifier", identifier))
	return nil
}

// Boundary returns the current reserved/pool split.
func (e *Engine) Boundary(ctx context.Context) (dhcp.RangeInfo, error) {
	doc, err := e.conf.Current(ctx)
	if err != nil {
		return dhcp.RangeInfo{}, err
	}
	boundary, err := doc.Boundary(e.block)
	if err != nil {
		return dhcp.RangeInfo{}, err
	}
	return dhcp.NewRangeInfo(e.block, boundary), nil
}

// SetBoundary moves the reserved/pool split to boundary. The reserved
// range must still hold every existing reservation and the remaining
// pool must still fit every active non-reserved client. No
// reservation's address is altered.
func (e *Engine) SetBoundary(ctx context.Context, boundary int) (dhcp.RangeInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.conf.Current(ctx)
	if err != nil {
		return dhcp.RangeInfo{}, err
	}
	reservations, err := doc.Reservations()
	if err != nil {
		return dhcp.RangeInfo{}, err
	}
	min := len(reservations) + e.block.First - 2
	if min < e.block.First {
		min = e.block.First
	}
	if boundary < min {
		return dhcp.RangeInfo{}, &dhcp.BoundaryTooLowError{
			Boundary:     boundary,
			Min:          min,
			Reservations: len(reservations),
		}
	}

	leases, err := e.leases.ListActive(ctx)
	if err != nil {
		return dhcp.RangeInfo{}, err
	}

	active := countUnreserved(reservations, leases)
	max := e.block.Last
	if active > 0 {
		max = e.block.Last - 1 - active
	}
	if boundary > max {
		return dhcp.RangeInfo{}, &dhcp.BoundaryTooHighError{
			Boundary:    boundary,
			Max:         max,
			ActiveHosts: active,
		}
	}

	if err := doc.SetBoundary(e.block, boundary); err != nil {
		return dhcp.RangeInfo{}, err
	}
	if err := e.conf.Commit(ctx, doc); err != nil {
		return dhcp.RangeInfo{}, err
	}

	info := dhcp.NewRangeInfo(e.block, boundary)
	e.logger.Info("boundary moved",
		zap.Int("boundary", boundary),
		zap.Int("reserved_total", info.ReservedTotal),
		zap.Int("pool_total", info.PoolTotal))
	return info, nil
}

// Stats derives the counts/capacities snapshot. An unreadable lease
// source degrades to zero lease counts instead of failing the whole
// snapshot, and the gateway is best effort.
func (e *Engine) Stats(ctx context.Context) (dhcp.Stats, error) {
	doc, err := e.conf.Current(ctx)
	if err != nil {
		return dhcp.Stats{}, err
	}
	reservations, err := doc.Reservations()
	if err != nil {
		return dhcp.Stats{}, err
	}
	boundary, err := doc.Boundary(e.block)
	if err != nil {
		return dhcp.Stats{}, err
	}

	leases, err := e.leases.ListActive(ctx)
	if err != nil {
		if !errors.Is(err, dhcp.ErrSourceUnavailable) {
			return dhcp.Stats{}, err
		}
		e.logger.Warn("lease source unavailable, lease counts degraded", zap.Error(err))
		leases = nil
	}

	stats := dhcp.Stats{
		ReservationsCount: len(reservations),
		ReservationsTotal: e.block.ReservedCapacity(boundary),
		LeasesCount:       countUnreserved(reservations, leases),
		LeasesTotal:       e.block.PoolCapacity(boundary),
	}
	if gw, err := e.net.DefaultGateway(); err == nil {
		stats.Gateway = gw
	} else {
		e.logger.Debug("failed to read default gateway", zap.Error(err))
	}
	return stats, nil
}

// RawConfig returns the current configuration document.
func (e *Engine) RawConfig(ctx context.Context) (*keaconf.Document, error) {
	return e.conf.Current(ctx)
}

// SetRawConfig replaces the whole configuration document. The document
// still passes the same structural parse and external validation as any
// other mutation.
func (e *Engine) SetRawConfig(ctx context.Context, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := keaconf.Parse(data)
	if err != nil {
		return &dhcp.InvalidConfigError{Output: err.Error()}
	}
	if err := e.conf.Commit(ctx, doc); err != nil {
		return err
	}
	e.logger.Info("raw configuration replaced")
	return nil
}

// nextFree scans the reserved range downwards from the boundary and
// returns the first octet no reservation holds.
func (e *Engine) nextFree(reservations []dhcp.Reservation, boundary int) (int, error) {
	taken := make(map[int]bool, len(reservations))
	for _, r := range reservations {
		if octet, ok := e.block.Octet(r.IPAddress); ok {
			taken[octet] = true
		}
	}
	for octet := boundary; octet >= e.block.First; octet-- {
		if !taken[octet] {
			return octet, nil
		}
	}
	start, _ := e.block.Addr(e.block.First)
	end, _ := e.block.Addr(boundary + 1)
	return 0, &dhcp.RangeExhaustedError{Start: start, End: end}
}

func (e *Engine) outOfRange(ip types.IP, boundary int) error {
	start, _ := e.block.Addr(e.block.First)
	end, _ := e.block.Addr(boundary + 1)
	return &dhcp.OutOfRangeError{IP: ip, Start: start, End: end}
}

func (e *Engine) leaseHostname(ctx context.Context, mac types.HardwareAddr) string {
	leases, err := e.leases.ListActive(ctx)
	if err != nil {
		e.logger.Warn("lease source unavailable, hostname not copied", zap.Error(err))
		return ""
	}
	for _, l := range leases {
		if l.HWAddress.Equal(mac) {
			return l.Hostname
		}
	}
	return ""
}

func findReservation(reservations []dhcp.Reservation, identifier string) (dhcp.Reservation, bool) {
	var mac string
	if m, err := types.ParseMAC(identifier); err == nil {
		mac = m.String()
	}
	var ip string
	if i, err := types.ParseIP(identifier); err == nil {
		ip = i.String()
	}
	for _, r := range reservations {
		if (mac != "" && r.HWAddress.String() == mac) ||
			(ip != "" && r.IPAddress.String() == ip) {
			return r, true
		}
	}
	return dhcp.Reservation{}, false
}

func countUnreserved(reservations []dhcp.Reservation, leases []dhcp.Lease) int {
	reserved := make(map[string]bool, len(reservations))
	for _, r := range reservations {
		reserved[r.HWAddress.String()] = true
	}
	n := 0
	for _, l := range leases {
		if !reserved[l.HWAddress.String()] {
			n++
		}
	}
	return n
}
