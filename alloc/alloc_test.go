package alloc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keapin/keapin/dhcp"
	"github.com/keapin/keapin/keaconf"
	"github.com/keapin/keapin/netinfo"
	"github.com/keapin/keapin/types"
)

const confSkeleton = `{"Dhcp4": {"subnet4": [{"subnet": "192.168.123.0/24",
    "pools": [{"pool": "192.168.123.52 - 192.168.123.250"}],
    "reservations": []}]}}`

type fakeLeases struct {
	leases []dhcp.Lease
	err    error
}

func (f *fakeLeases) ListActive(ctx context.Context) ([]dhcp.Lease, error) {
	return f.leases, f.err
}

type fakeConf struct {
	doc       *keaconf.Document
	commits   int
	commitErr error
}

func (f *fakeConf) Current(ctx context.Context) (*keaconf.Document, error) {
	// a fresh snapshot per call, like the file-backed store
	return f.doc.Clone()
}

func (f *fakeConf) Commit(ctx context.Context, doc *keaconf.Document) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	f.doc = doc
	return nil
}

type fakeNet struct {
	gw types.IP
}

func (f *fakeNet) DefaultGateway() (types.IP, error) {
	if f.gw == nil {
		return nil, fmt.Errorf("no default route found")
	}
	return f.gw, nil
}

func (f *fakeNet) InterfaceInfo(name string) (*netinfo.InterfaceInfo, error) {
	return &netinfo.InterfaceInfo{Name: name}, nil
}

func mustMAC(t *testing.T, s string) types.HardwareAddr {
	t.Helper()
	mac, err := types.ParseMAC(s)
	require.NoError(t, err)
	return *mac
}

func mustIP(t *testing.T, s string) types.IP {
	t.Helper()
	ip, err := types.ParseIP(s)
	require.NoError(t, err)
	return *ip
}

func reservation(t *testing.T, mac, ip string) dhcp.Reservation {
	t.Helper()
	return dhcp.Reservation{HWAddress: mustMAC(t, mac), IPAddress: mustIP(t, ip)}
}

func lease(t *testing.T, mac, ip, hostname string) dhcp.Lease {
	t.Helper()
	return dhcp.Lease{
		HWAddress: mustMAC(t, mac),
		IPAddress: mustIP(t, ip),
		Hostname:  hostname,
		Expire:    time.Now().Add(time.Hour),
	}
}

func testConf(t *testing.T, boundary int, reservations ...dhcp.Reservation) *fakeConf {
	t.Helper()
	doc, err := keaconf.Parse([]byte(confSkeleton))
	require.NoError(t, err)
	require.NoError(t, doc.SetBoundary(dhcp.DefaultBlock(), boundary))
	for _, r := range reservations {
		require.NoError(t, doc.UpsertReservation(r))
	}
	return &fakeConf{doc: doc}
}

func testEngine(conf *fakeConf, leases *fakeLeases) *Engine {
	return New(dhcp.DefaultBlock(), leases, conf, &fakeNet{}, zap.NewNop())
}

func Test_Unify_NoDuplicateMACs(t *testing.T) {
	reservations := []dhcp.Reservation{
		reservation(t, "aa:bb:cc:00:00:01", "192.168.123.50"),
		reservation(t, "aa:bb:cc:00:00:02", "192.168.123.49"),
	}
	leases := []dhcp.Lease{
		lease(t, "aa:bb:cc:00:00:02", "192.168.123.100", "dup"), // reserved, dropped
		lease(t, "aa:bb:cc:00:00:03", "192.168.123.101", "c"),
		lease(t, "aa:bb:cc:00:00:04", "192.168.123.102", "d"),
	}

	records := Unify(reservations, leases)
	require.Len(t, records, 4)

	seen := map[string]bool{}
	for _, r := range records {
		assert.False(t, seen[r.HWAddress.String()], "duplicate MAC %s", r.HWAddress)
		seen[r.HWAddress.String()] = true
	}

	// reservations first, pinned; then leases in read order
	assert.True(t, records[0].Pinned)
	assert.True(t, records[1].Pinned)
	assert.False(t, records[2].Pinned)
	assert.Equal(t, "aa:bb:cc:00:00:03", records[2].HWAddress.String())
	assert.NotNil(t, records[2].Expire)
	assert.Equal(t, "aa:bb:cc:00:00:04", records[3].HWAddress.String())
}

// Pinning a lease with no reservations and boundary 49 assigns .49.
func Test_AddReservation_AutoAssign_EmptyRange(t *testing.T) {
	conf := testConf(t, 49)
	leases := &fakeLeases{leases: []dhcp.Lease{
		lease(t, "aa:bb:cc:00:00:01", "192.168.123.100", "printer"),
	}}
	engine := testEngine(conf, leases)

	r, err := engine.AddReservation(context.Background(), mustMAC(t, "aa:bb:cc:00:00:01"), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.123.49", r.IPAddress.String())
	assert.Equal(t, "printer", r.Hostname, "hostname copied from the source lease")
	assert.Equal(t, 1, conf.commits)
}

// With .49,.48,.47 taken the next assignment is .46.
func Test_AddReservation_AutoAssign_Descending(t *testing.T) {
	conf := testConf(t, 49,
		reservation(t, "aa:bb:cc:00:00:01", "192.168.123.49"),
		reservation(t, "aa:bb:cc:00:00:02", "192.168.123.48"),
		reservation(t, "aa:bb:cc:00:00:03", "192.168.123.47"),
	)
	engine := testEngine(conf, &fakeLeases{})

	r, err := engine.AddReservation(context.Background(), mustMAC(t, "aa:bb:cc:00:00:04"), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.123.46", r.IPAddress.String())
}

// A supplied address inside the pool range is ignored in favor of
// auto-assignment.
func Test_AddReservation_PoolAddressFallsBackToAutoAssign(t *testing.T) {
	conf := testConf(t, 49)
	engine := testEngine(conf, &fakeLeases{})

	r, err := engine.AddReservation(context.Background(),
		mustMAC(t, "aa:bb:cc:00:00:01"), mustIP(t, "192.168.123.100"), "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.123.49", r.IPAddress.String())
}

func Test_AddReservation_ManualAddressHonored(t *testing.T) {
	conf := testConf(t, 49)
	engine := testEngine(conf, &fakeLeases{})

	r, err := engine.AddReservation(context.Background(),
		mustMAC(t, "aa:bb:cc:00:00:01"), mustIP(t, "192.168.123.30"), "web")
	require.NoError(t, err)
	assert.Equal(t, "192.168.123.30", r.IPAddress.String())
	assert.Equal(t, "web", r.Hostname)
}

func Test_AddReservation_ManualAddressConflict(t *testing.T) {
	conf := testConf(t, 49, reservation(t, "aa:bb:cc:00:00:01", "192.168.123.30"))
	engine := testEngine(conf, &fakeLeases{})

	_, err := engine.AddReservation(context.Background(),
		mustMAC(t, "aa:bb:cc:00:00:02"), mustIP(t, "192.168.123.30"), "")
	var conflict *dhcp.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, conf.commits, "no mutation on validation failure")
}

func Test_AddReservation_AddressOutsideBlock(t *testing.T) {
	conf := testConf(t, 49)
	engine := testEngine(conf, &fakeLeases{})

	_, err := engine.AddReservation(context.Background(),
		mustMAC(t, "aa:bb:cc:00:00:01"), mustIP(t, "10.0.0.5"), "")
	var outOfRange *dhcp.OutOfRangeError
	require.ErrorAs(t, err, &outOfRange)
}

func Test_AddReservation_RangeExhausted(t *testing.T) {
	conf := testConf(t, 2, reservation(t, "aa:bb:cc:00:00:01", "192.168.123.2"))
	engine := testEngine(conf, &fakeLeases{})

	_, err := engine.AddReservation(context.Background(), mustMAC(t, "aa:bb:cc:00:00:02"), nil, "")
	var exhausted *dhcp.RangeExhaustedError
	require.ErrorAs(t, err, &exhausted)
}

func Test_UpdateReservationIP(t *testing.T) {
	conf := testConf(t, 49,
		reservation(t, "aa:bb:cc:00:00:01", "192.168.123.49"),
		reservation(t, "aa:bb:cc:00:00:02", "192.168.123.48"),
	)
	engine := testEngine(conf, &fakeLeases{})
	ctx := context.Background()

	// by MAC
	r, err := engine.UpdateReservationIP(ctx, "aa:bb:cc:00:00:01", mustIP(t, "192.168.123.40"))
	require.NoError(t, err)
	assert.Equal(t, "192.168.123.40", r.IPAddress.String())

	// by current address
	r, err = engine.UpdateReservationIP(ctx, "192.168.123.48", mustIP(t, "192.168.123.41"))
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:00:00:02", r.HWAddress.String())

	// outside the reserved range
	_, err = engine.UpdateReservationIP(ctx, "aa:bb:cc:00:00:01", mustIP(t, "192.168.123.100"))
	var outOfRange *dhcp.OutOfRangeError
	require.ErrorAs(t, err, &outOfRange)

	// held by the other reservation
	_, err = engine.UpdateReservationIP(ctx, "aa:bb:cc:00:00:01", mustIP(t, "192.168.123.41"))
	var conflict *dhcp.ConflictError
	require.ErrorAs(t, err, &conflict)

	// unknown identifier
	_, err = engine.UpdateReservationIP(ctx, "aa:bb:cc:ff:ff:ff", mustIP(t, "192.168.123.42"))
	assert.ErrorIs(t, err, dhcp.ErrNotFound)
}

func Test_RemoveReservation_Idempotence(t *testing.T) {
	conf := testConf(t, 49, reservation(t, "aa:bb:cc:00:00:01", "192.168.123.49"))
	engine := testEngine(conf, &fakeLeases{})
	ctx := context.Background()

	require.NoError(t, engine.RemoveReservation(ctx, "aa:bb:cc:00:00:01"))
	assert.ErrorIs(t, engine.RemoveReservation(ctx, "aa:bb:cc:00:00:01"), dhcp.ErrNotFound)
}

func Test_RemoveReservation_ByAddress(t *testing.T) {
	conf := testConf(t, 49, reservation(t, "aa:bb:cc:00:00:01", "192.168.123.49"))
	engine := testEngine(conf, &fakeLeases{})

	require.NoError(t, engine.RemoveReservation(context.Background(), "192.168.123.49"))

	reservations, err := engine.ListReservations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reservations)
}

// Three reservations exist; boundary 2 would not hold them.
func Test_SetBoundary_TooLow(t *testing.T) {
	conf := testConf(t, 49,
		reservation(t, "aa:bb:cc:00:00:01", "192.168.123.49"),
		reservation(t, "aa:bb:cc:00:00:02", "192.168.123.48"),
		reservation(t, "aa:bb:cc:00:00:03", "192.168.123.47"),
	)
	engine := testEngine(conf, &fakeLeases{})

	_, err := engine.SetBoundary(context.Background(), 2)
	var tooLow *dhcp.BoundaryTooLowError
	require.ErrorAs(t, err, &tooLow)
	assert.Equal(t, 3, tooLow.Reservations)
	assert.Equal(t, "cannot lower boundary below 3, 3 reservations exist", tooLow.Error())
	assert.Equal(t, 0, conf.commits)
}

func Test_SetBoundary_TooHigh(t *testing.T) {
	conf := testConf(t, 49)
	leases := &fakeLeases{leases: []dhcp.Lease{
		lease(t, "aa:bb:cc:00:00:01", "192.168.123.100", ""),
		lease(t, "aa:bb:cc:00:00:02", "192.168.123.101", ""),
		lease(t, "aa:bb:cc:00:00:03", "192.168.123.102", ""),
		lease(t, "aa:bb:cc:00:00:04", "192.168.123.103", ""),
		lease(t, "aa:bb:cc:00:00:05", "192.168.123.104", ""),
	}}
	engine := testEngine(conf, leases)

	// pool [b+2, 250] must still hold 5 hosts: max boundary is 244
	_, err := engine.SetBoundary(context.Background(), 245)
	var tooHigh *dhcp.BoundaryTooHighError
	require.ErrorAs(t, err, &tooHigh)
	assert.Equal(t, 244, tooHigh.Max)
	assert.Equal(t, 5, tooHigh.ActiveHosts)

	_, err = engine.SetBoundary(context.Background(), 244)
	require.NoError(t, err)
}

// After a successful boundary change the capacities follow it.
func Test_SetBoundary_UpdatesCapacities(t *testing.T) {
	conf := testConf(t, 49, reservation(t, "aa:bb:cc:00:00:01", "192.168.123.49"))
	engine := testEngine(conf, &fakeLeases{})

	info, err := engine.SetBoundary(context.Background(), 80)
	require.NoError(t, err)
	assert.Equal(t, 80, info.Boundary)
	assert.Equal(t, "192.168.123.82", info.PoolStart.String())

	stats, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 80, stats.ReservationsTotal)
	assert.Equal(t, 250-(80+1), stats.LeasesTotal)

	// a reservation's address is never altered by a boundary change
	reservations, err := engine.ListReservations(context.Background())
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, "192.168.123.49", reservations[0].IPAddress.String())
}

func Test_Stats(t *testing.T) {
	conf := testConf(t, 49,
		reservation(t, "aa:bb:cc:00:00:01", "192.168.123.49"),
		reservation(t, "aa:bb:cc:00:00:02", "192.168.123.48"),
	)
	leases := &fakeLeases{leases: []dhcp.Lease{
		lease(t, "aa:bb:cc:00:00:02", "192.168.123.100", ""), // reserved, not counted
		lease(t, "aa:bb:cc:00:00:03", "192.168.123.101", ""),
		lease(t, "aa:bb:cc:00:00:04", "192.168.123.102", ""),
	}}
	engine := New(dhcp.DefaultBlock(), leases, conf, &fakeNet{gw: mustIP(t, "192.168.123.1")}, zap.NewNop())

	stats, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ReservationsCount)
	assert.Equal(t, 49, stats.ReservationsTotal)
	assert.Equal(t, 2, stats.LeasesCount)
	assert.Equal(t, 200, stats.LeasesTotal)
	assert.Equal(t, "192.168.123.1", stats.Gateway.String())
}

func Test_Stats_DegradesWithoutLeaseSource(t *testing.T) {
	conf := testConf(t, 49, reservation(t, "aa:bb:cc:00:00:01", "192.168.123.49"))
	leases := &fakeLeases{err: fmt.Errorf("%w: open: no such file", dhcp.ErrSourceUnavailable)}
	engine := testEngine(conf, leases)

	stats, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ReservationsCount)
	assert.Equal(t, 0, stats.LeasesCount)
}

func Test_SetRawConfig(t *testing.T) {
	conf := testConf(t, 49)
	engine := testEngine(conf, &fakeLeases{})

	err := engine.SetRawConfig(context.Background(), []byte(`{"not": "a kea config"}`))
	var invalid *dhcp.InvalidConfigError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 0, conf.commits)

	require.NoError(t, engine.SetRawConfig(context.Background(), []byte(confSkeleton)))
	assert.Equal(t, 1, conf.commits)
}
